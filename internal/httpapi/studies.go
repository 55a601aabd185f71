package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldtrials/internal/core"
	"fieldtrials/internal/importer"
	"fieldtrials/pkg/domain"
)

func (a *api) handleStudyPlots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	plots, err := a.svc.StudyPlots(ctx, id)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	rows, err := a.svc.StudyPlotRows(ctx, id)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	observations, err := a.svc.StudyObservations(ctx, id)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plots":        plots,
		"rows":         rows,
		"observations": observations,
	})
}

func (a *api) handleDeleteStudyPlots(w http.ResponseWriter, r *http.Request) {
	removed, _, err := a.svc.DeleteStudyPlots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// importOptionsFrom reads per-request overrides from the query string.
func importOptionsFrom(r *http.Request) (importer.Options, error) {
	q := r.URL.Query()
	opts := importer.Options{
		IndexColumn: q.Get("index_column"),
		Parameter:   q.Get("parameter"),
	}
	for name, dst := range map[string]*bool{"strict": &opts.StrictMode, "numeric_index": &opts.NumericIndex} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New(name + " must be a boolean")
		}
		*dst = b
	}
	return opts, nil
}

func (a *api) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if err := r.ParseMultipartForm(a.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	opts, err := importOptionsFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := a.svc.ImportUpload(r.Context(), chi.URLParam(r, "id"), header.Filename, file, opts)
	if err != nil {
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	status := http.StatusOK
	if !report.OK() && !report.Committed {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, report)
}

func (a *api) handleStudyVersions(w http.ResponseWriter, r *http.Request) {
	a.versions(w, r, domain.EntityStudy, func(id string, at time.Time) (any, error) {
		return a.svc.StudyAt(r.Context(), id, at)
	})
}

func (a *api) handleTrialVersions(w http.ResponseWriter, r *http.Request) {
	a.versions(w, r, domain.EntityFieldTrial, func(id string, at time.Time) (any, error) {
		return a.svc.FieldTrialAt(r.Context(), id, at)
	})
}

// versions lists revisions, or resolves one version when ?at= is given.
func (a *api) versions(w http.ResponseWriter, r *http.Request, entity domain.EntityType, at func(string, time.Time) (any, error)) {
	id := chi.URLParam(r, "id")
	if raw := r.URL.Query().Get("at"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC3339 timestamp")
			return
		}
		version, err := at(id, ts)
		if err != nil {
			writeServiceError(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, version)
		return
	}
	revisions, err := a.svc.Revisions(r.Context(), entity, id)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})
}

func (a *api) handlePackage(w http.ResponseWriter, r *http.Request) {
	if a.svc.Blobs() == nil {
		writeError(w, http.StatusServiceUnavailable, "no blob store configured")
		return
	}
	pkg, err := a.svc.ExportStudy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"prefix":  pkg.Prefix,
		"keys":    pkg.Keys,
		"package": pkg,
	})
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := core.Query{Text: q.Get("q")}
	for _, t := range q["type"] {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				query.Types = append(query.Types, domain.EntityType(part))
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = limit
	}
	hits, err := a.svc.Search(r.Context(), query)
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}
