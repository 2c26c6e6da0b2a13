// Package httpapi exposes the crawl engine's HTTP surface: job
// creation, state polling, a resumable SSE event stream, final-Markdown
// download, and cancellation. Routing is built on gorilla/mux.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/docspasta/crawler-engine/internal/common"
	"github.com/docspasta/crawler-engine/internal/eventlog"
	"github.com/docspasta/crawler-engine/internal/jobcontroller"
	"github.com/docspasta/crawler-engine/internal/models"
	"github.com/docspasta/crawler-engine/internal/resultstore"
	"github.com/gorilla/mux"
	"github.com/ternarybob/arbor"
)

// tailPollInterval bounds how long a single blocking-tail call waits
// before the handler sends a heartbeat comment and tries again.
const tailPollInterval = 5 * time.Second

// Server wires the job controller and stores to HTTP handlers.
type Server struct {
	controller *jobcontroller.Controller
	results    *resultstore.Store
	events     *eventlog.Log
	cfg        common.CrawlerConfig
	logger     arbor.ILogger
}

// New builds a Server and returns its mux.Router.
func New(controller *jobcontroller.Controller, results *resultstore.Store, events *eventlog.Log, cfg common.CrawlerConfig, logger arbor.ILogger) *mux.Router {
	s := &Server{controller: controller, results: results, events: events, cfg: cfg, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/jobs", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/download", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	return r
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req jobcontroller.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	opts := jobcontroller.ResolveOptions(s.cfg, req.Options)
	job, _, err := s.controller.Create(r.Context(), req.URL, opts)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", req.URL).Msg("httpapi: job creation failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"jobId":     job.ID,
		"streamUrl": fmt.Sprintf("/jobs/%s/stream", job.ID),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.results.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// stateResponse is a Job snapshot plus the id of the latest event, so a
// reloading client can resume its stream without replaying history.
type stateResponse struct {
	*models.Job
	LastEventID int64 `json:"lastEventId,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := s.controller.Snapshot(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	lastID, err := s.events.LastID(r.Context(), jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("httpapi: failed to read last event id")
	}
	writeJSON(w, http.StatusOK, stateResponse{Job: job, LastEventID: lastID})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := s.results.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != models.JobStatusCompleted {
		writeError(w, http.StatusConflict, "job is not completed")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(job.FinalMarkdown))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := s.controller.Cancel(r.Context(), jobID); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleStream serves the resumable SSE event stream. A client resumes
// from the Last-Event-ID header (falling back to a lastEventId query
// parameter) and receives only events appended after that ID.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastEventID := parseLastEventID(r)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := s.events.TailBlocking(ctx, jobID, lastEventID, tailPollInterval)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("httpapi: stream tail failed")
			return
		}

		if len(events) == 0 {
			// A client that reconnects after the terminal event was
			// already delivered has nothing left to receive: the log will
			// never grow again, so close instead of heartbeating forever.
			if job, err := s.results.GetJob(ctx, jobID); err == nil && job.Status.Terminal() {
				return
			}
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
			continue
		}

		for _, ev := range events {
			if err := writeSSEEvent(w, ev); err != nil {
				return
			}
			lastEventID = ev.EventID
			if ev.Type.Terminal() {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}
}

func writeSSEEvent(w http.ResponseWriter, ev models.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.EventID, ev.Type, payload)
	return err
}

func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
