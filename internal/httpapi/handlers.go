package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"notifysync/internal/channel"
	"notifysync/internal/eventbus"
	"notifysync/internal/processor"
	"notifysync/internal/scheduler"
	"notifysync/internal/tracking"
	logx "notifysync/pkg/logx"
)

type Cycles interface {
	TriggerNow(ctx context.Context) (processor.Summary, error)
	Status() processor.Status
}

type Feedback interface {
	RecordFeedback(ctx context.Context, id string, relevant bool) error
	Stats() tracking.Stats
}

type Schedules interface {
	Snapshot() scheduler.Snapshot
}

type statusResponse struct {
	Status    string              `json:"status"`
	Timestamp time.Time           `json:"timestamp"`
	Uptime    string              `json:"uptime"`
	Channels  []channel.Status    `json:"channels"`
	Daily     processor.Daily     `json:"daily"`
	LastCycle *processor.Summary  `json:"last_cycle,omitempty"`
	Tracking  *tracking.Stats     `json:"tracking,omitempty"`
	Scheduler *scheduler.Snapshot `json:"scheduler,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := s.deps.Now()
	resp := statusResponse{
		Status:    "running",
		Timestamp: now,
		Uptime:    strings.TrimSuffix(humanize.RelTime(s.started, now, "", ""), " "),
	}
	if s.deps.Cycles != nil {
		st := s.deps.Cycles.Status()
		resp.Channels = st.Channels
		resp.Daily = st.Daily
		resp.LastCycle = st.LastCycle
		if !anyAvailable(st.Channels) || (st.LastCycle != nil && st.LastCycle.Aborted) {
			resp.Status = "degraded"
		}
	}
	if resp.Channels == nil {
		resp.Channels = []channel.Status{}
	}
	if s.deps.Feedback != nil {
		ts := s.deps.Feedback.Stats()
		resp.Tracking = &ts
	}
	if s.deps.Scheduler != nil {
		snap := s.deps.Scheduler.Snapshot()
		resp.Scheduler = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func anyAvailable(chs []channel.Status) bool {
	for _, c := range chs {
		if c.Available {
			return true
		}
	}
	return false
}

// handleProcessNow runs a cycle on the request goroutine and waits for
// any cycle already in progress. The cause of a failure only goes to the log.
func (s *Server) handleProcessNow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cycles == nil {
		writeError(w, http.StatusServiceUnavailable, "processor not configured")
		return
	}
	sum, err := s.deps.Cycles.TriggerNow(r.Context())
	if err != nil {
		s.log.Warn("manual cycle failed", logx.String("cycle", sum.CycleID), logx.Err(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status":  "Processing failed",
			"summary": sum,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "Processing triggered",
		"summary": sum,
	})
}

type feedbackRequest struct {
	MessageID string `json:"message_id"`
	Relevant  *bool  `json:"relevant"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feedback == nil {
		writeError(w, http.StatusServiceUnavailable, "tracking not configured")
		return
	}
	var req feedbackRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.MessageID == "" || req.Relevant == nil {
		writeError(w, http.StatusBadRequest, "message_id and relevant are required")
		return
	}

	err := s.deps.Feedback.RecordFeedback(r.Context(), req.MessageID, *req.Relevant)
	switch {
	case errors.Is(err, tracking.ErrUnknownMessage):
		writeError(w, http.StatusNotFound, "unknown message")
		return
	case errors.Is(err, tracking.ErrNoSender):
		writeError(w, http.StatusUnprocessableEntity, "message has no sender")
		return
	case err != nil:
		s.log.Warn("feedback not stored", logx.String("message_id", req.MessageID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "feedback not stored")
		return
	}
	eventbus.Publish(s.deps.Bus, eventbus.FeedbackStored, map[string]any{
		"message_id": req.MessageID,
		"relevant":   *req.Relevant,
	})
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
