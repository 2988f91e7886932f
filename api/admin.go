package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/inbound"
)

// defaultCleanupAge applies when a cleanup request has no age parameter.
const defaultCleanupAge = 7 * 24 * time.Hour

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.relay.Status(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listCircuits(w http.ResponseWriter, _ *http.Request) {
	snaps := h.relay.Circuits()
	out := make([]map[string]any, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, map[string]any{
			"key":                   s.Key,
			"state":                 s.State,
			"consecutive_failures":  s.ConsecutiveFailures,
			"consecutive_successes": s.ConsecutiveSuccesses,
			"total_calls":           s.TotalCalls,
			"total_failures":        s.TotalFailures,
			"total_successes":       s.TotalSuccesses,
			"rejected":              s.Rejected,
			"success_rate":          s.SuccessRate(),
			"last_failure_at":       s.LastFailureAt,
			"last_success_at":       s.LastSuccessAt,
			"opened_at":             s.OpenedAt,
			"config":                s.Config,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) resetCircuit(w http.ResponseWriter, r *http.Request) {
	if err := h.relay.ResetCircuit(r.Context(), r.PathValue("key")); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rotateSecret(w http.ResponseWriter, r *http.Request) {
	host, secret, err := h.relay.RotateSecret(r.Context(), r.PathValue("destination"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"destination": host, "secret": secret})
}

func (h *Handler) runRetries(w http.ResponseWriter, r *http.Request) {
	rep, err := h.relay.RunRetries(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) forceRetries(w http.ResponseWriter, r *http.Request) {
	rep, err := h.relay.ForceRetryAll(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	opts := event.ListOpts{
		Direction: event.Direction(queryParam(r, "direction")),
		Type:      queryParam(r, "type"),
		Source:    queryParam(r, "source"),
		Offset:    queryInt(r, "offset", 0),
		Limit:     queryInt(r, "limit", 50),
	}
	if st := queryParam(r, "status"); st != "" {
		opts.Statuses = []event.Status{event.Status(st)}
	}

	events, err := h.relay.Events(r.Context(), opts)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	evtID, ok := eventID(w, r)
	if !ok {
		return
	}
	evt, err := h.relay.Event(r.Context(), evtID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (h *Handler) retryEvent(w http.ResponseWriter, r *http.Request) {
	evtID, ok := eventID(w, r)
	if !ok {
		return
	}
	evt, err := h.relay.RetryEvent(r.Context(), evtID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, evt)
}

func (h *Handler) replayEvent(w http.ResponseWriter, r *http.Request) {
	evtID, ok := eventID(w, r)
	if !ok {
		return
	}
	res, err := h.relay.Replay(r.Context(), evtID)
	if errors.Is(err, inbound.ErrInternal) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, res.StatusCode, res)
}

func (h *Handler) cleanupEvents(w http.ResponseWriter, r *http.Request) {
	age, err := queryDuration(r, "age", defaultCleanupAge)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	n, err := h.relay.CleanupExpiredEvents(r.Context(), age)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func eventID(w http.ResponseWriter, r *http.Request) (id.ID, bool) {
	evtID, err := id.ParseEventID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event ID")
		return id.Nil, false
	}
	return evtID, true
}
