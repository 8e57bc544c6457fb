package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sshnaidm/directord"
)

// watchJob streams a job's lifecycle events as server-sent events. The
// stream ends when the client disconnects; slow clients drop events
// rather than stall the broker.
func (a *API) watchJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobID(w, r)
	if !ok {
		return
	}
	// 404 before committing to a stream.
	if _, err := a.eng.Status(r.Context(), jobID); err != nil {
		if errors.Is(err, directord.ErrJobNotFound) {
			respondDomainError(w, err)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	events, cancel := a.eng.Watch(jobID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", evt.Data)
			flusher.Flush()
		}
	}
}
