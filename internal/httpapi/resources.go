package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fieldtrials/internal/core"
)

// resource binds one collection path to its service operations.
type resource struct {
	list   func(ctx context.Context) (any, error)
	get    func(ctx context.Context, id string) (any, error)
	create func(ctx context.Context, body io.Reader) (any, error)
	update func(ctx context.Context, id string, body io.Reader) (any, error)
	remove func(ctx context.Context, id string) error
}

func decode[T any](body io.Reader) (T, error) {
	var v T
	if err := json.NewDecoder(body).Decode(&v); err != nil {
		return v, fmt.Errorf("invalid JSON body: %w", err)
	}
	return v, nil
}

func bind[T any](
	list func(context.Context) ([]T, error),
	get func(context.Context, string) (T, error),
	create func(context.Context, T) (T, core.Result, error),
	update func(context.Context, string, func(*T) error) (T, core.Result, error),
	remove func(context.Context, string) (core.Result, error),
) resource {
	return resource{
		list: func(ctx context.Context) (any, error) { return list(ctx) },
		get:  func(ctx context.Context, id string) (any, error) { return get(ctx, id) },
		create: func(ctx context.Context, body io.Reader) (any, error) {
			v, err := decode[T](body)
			if err != nil {
				return nil, err
			}
			created, _, err := create(ctx, v)
			return created, err
		},
		update: func(ctx context.Context, id string, body io.Reader) (any, error) {
			raw, err := io.ReadAll(body)
			if err != nil {
				return nil, err
			}
			updated, _, err := update(ctx, id, func(current *T) error {
				if err := json.Unmarshal(raw, current); err != nil {
					return fmt.Errorf("invalid JSON body: %w", err)
				}
				return nil
			})
			return updated, err
		},
		remove: func(ctx context.Context, id string) error {
			_, err := remove(ctx, id)
			return err
		},
	}
}

func resources(svc *core.Service) map[string]resource {
	return map[string]resource{
		"programmes": bind(svc.ListProgrammes, svc.GetProgramme, svc.CreateProgramme, svc.UpdateProgramme, svc.DeleteProgramme),
		"trials":     bind(svc.ListFieldTrials, svc.GetFieldTrial, svc.CreateFieldTrial, svc.UpdateFieldTrial, svc.DeleteFieldTrial),
		"locations":  bind(svc.ListLocations, svc.GetLocation, svc.CreateLocation, svc.UpdateLocation, svc.DeleteLocation),
		"studies":    bind(svc.ListStudies, svc.GetStudy, svc.CreateStudy, svc.UpdateStudy, svc.DeleteStudy),
		"variables":  bind(svc.ListVariables, svc.GetVariable, svc.CreateVariable, svc.UpdateVariable, svc.DeleteVariable),
		"people":     bind(svc.ListPeople, svc.GetPerson, svc.CreatePerson, svc.UpdatePerson, svc.DeletePerson),
	}
}

func (a *api) resource(w http.ResponseWriter, r *http.Request) (resource, bool) {
	res, ok := a.resources[chi.URLParam(r, "kind")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown collection "+chi.URLParam(r, "kind"))
	}
	return res, ok
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	items, err := res.list(r.Context())
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	item, err := res.get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *api) handleCreate(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	item, err := res.create(r.Context(), r.Body)
	if err != nil {
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (a *api) handleUpdate(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	item, err := res.update(r.Context(), chi.URLParam(r, "id"), r.Body)
	if err != nil {
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *api) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	if err := res.remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err, http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
