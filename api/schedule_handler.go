package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/schedule"
)

type createScheduleRequest struct {
	Name     string         `json:"name"`
	Schedule string         `json:"schedule"`
	Template job.Definition `json:"template"`
}

type updateScheduleRequest struct {
	Enabled *bool `json:"enabled"`
}

type listSchedulesResponse struct {
	Schedules []*schedule.Entry `json:"schedules"`
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid schedule request: "+err.Error()))
		return
	}
	if req.Name == "" || req.Schedule == "" {
		respondError(w, http.StatusBadRequest, errors.New("name and schedule are required"))
		return
	}
	if _, err := schedule.ParseSchedule(req.Schedule); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := a.eng.RegisterSchedule(r.Context(), req.Name, req.Schedule, req.Template)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

func (a *API) listSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := a.eng.Schedules(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listSchedulesResponse{Schedules: entries})
}

func (a *API) updateSchedule(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseScheduleID(chi.URLParam(r, "scheduleID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid schedule id"))
		return
	}
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid update request"))
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	entry, err := a.eng.SetScheduleEnabled(r.Context(), entryID, *req.Enabled)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (a *API) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseScheduleID(chi.URLParam(r, "scheduleID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid schedule id"))
		return
	}
	if err := a.eng.DeleteSchedule(r.Context(), entryID); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
