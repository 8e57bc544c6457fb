package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sshnaidm/directord/fleet"
)

type fleetResponse struct {
	Workers []*fleet.Session `json:"workers"`
}

type invalidateResponse struct {
	Invalidated int `json:"invalidated"`
}

func (a *API) listFleet(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, fleetResponse{Workers: a.eng.Fleet()})
}

// invalidateTarget drops the dedup cache entries recorded for one
// target, forcing fresh execution of otherwise-deduplicated work.
func (a *API) invalidateTarget(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if target == "" {
		respondError(w, http.StatusBadRequest, errors.New("target is required"))
		return
	}
	n, err := a.eng.InvalidateTarget(r.Context(), target)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, invalidateResponse{Invalidated: n})
}
