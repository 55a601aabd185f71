package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package x\n\nimport (\n\t\"fmt\"\n\t\"fieldtrials/internal/infra/blob/fs\"\n)\n\nvar _ = fmt.Sprint\nvar _ = fs.New\n")
	writeFile(t, dir, "b.go", "package x\n\nimport \"github.com/rs/zerolog\"\n\nvar _ zerolog.Logger\n")
	writeFile(t, dir, "b_test.go", "package x\n\nimport \"fieldtrials/internal/core\"\n")
	writeFile(t, dir, "notes.txt", "import \"fieldtrials/internal/core\"")

	viols, err := directImportViolations(dir, NonStandardImport)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := "fieldtrials/internal/infra/blob/fs (in a.go)|github.com/rs/zerolog (in b.go)"
	if got := strings.Join(viols, "|"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	viols, _ = directImportViolations(dir, ModuleImport("internal/infra"))
	if len(viols) != 1 {
		t.Fatalf("expected one infra import, got %v", viols)
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		path string
		std  bool
	}{
		{"fmt", true},
		{"encoding/csv", true},
		{"golang.org/x/sync/errgroup", false},
		{"fieldtrials/pkg/domain", false},
	}
	for _, tc := range cases {
		if NonStandardImport(tc.path) == tc.std {
			t.Fatalf("NonStandardImport(%q) = %v", tc.path, !tc.std)
		}
	}
	infra := ModuleImport("internal/infra", "internal/core")
	if !infra("fieldtrials/internal/infra") || !infra("fieldtrials/internal/core") || infra("fieldtrials/internal/infrastructure") {
		t.Fatalf("ModuleImport must match whole path segments")
	}
}

func TestAssertNoDirectImportsPasses(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package x\n\nimport \"strings\"\n\nvar _ = strings.Cut\n")
	AssertNoDirectImports(t, dir, NonStandardImport, "stdlib only")
}
