package plots_test

import (
	"testing"

	"fieldtrials/testutil"
)

func TestCacheHasNoModuleDependencies(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.NonStandardImport, "the duplicate cache is a leaf package")
}
