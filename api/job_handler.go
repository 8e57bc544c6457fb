package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sshnaidm/directord/id"
	"github.com/sshnaidm/directord/job"
	"github.com/sshnaidm/directord/task"
)

// maxBodyBytes caps submission payloads.
const maxBodyBytes = 1 << 20

type submitResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

type listJobsResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Total int64      `json:"total"`
}

type redriveResponse struct {
	Redriven int        `json:"redriven"`
	Task     *task.Task `json:"task,omitempty"`
}

// submitJob accepts a JSON job definition, or a YAML orchestration
// document when the request is application/yaml.
func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasSuffix(ct, "yaml") || strings.HasSuffix(ct, "yml") {
		jobs, err := a.eng.SubmitOrchestration(r.Context(), body)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusAccepted, submitResponse{Jobs: jobs})
		return
	}

	var def job.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid job definition: "+err.Error()))
		return
	}
	j, err := a.eng.Submit(r.Context(), &def)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, submitResponse{Jobs: []*job.Job{j}})
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := job.ListOpts{
		Status: job.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Offset = n
		}
	}

	jobs, err := a.eng.ListJobs(r.Context(), opts)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	total, err := a.eng.CountJobs(r.Context(), opts)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Total: total})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobID(w, r)
	if !ok {
		return
	}
	st, err := a.eng.Status(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobID(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Cancel(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (a *API) redriveJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobID(w, r)
	if !ok {
		return
	}
	n, err := a.eng.RedriveJob(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, redriveResponse{Redriven: n})
}

func (a *API) listFailedTasks(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobID(w, r)
	if !ok {
		return
	}
	tasks, err := a.eng.ListFailed(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string][]*task.Task{"tasks": tasks})
}

func (a *API) redriveTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := id.ParseTaskID(chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid task id"))
		return
	}
	t, err := a.eng.RedriveTask(r.Context(), taskID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, redriveResponse{Redriven: 1, Task: t})
}

func (a *API) jobID(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid job id"))
		return id.Nil, false
	}
	return jobID, true
}
