package api

import (
	"net/http"

	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/id"
)

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	opts := dlq.ListOpts{
		Status: dlq.Status(queryParam(r, "status")),
		Origin: queryParam(r, "origin"),
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
	}

	msgs, err := h.relay.DeadLetters(r.Context(), opts)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) dlqStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.relay.DLQStats(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) getDLQ(w http.ResponseWriter, r *http.Request) {
	msgID, ok := dlqID(w, r)
	if !ok {
		return
	}
	m, err := h.relay.DeadLetter(r.Context(), msgID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) retryDLQ(w http.ResponseWriter, r *http.Request) {
	msgID, ok := dlqID(w, r)
	if !ok {
		return
	}
	outcome, err := h.relay.RetryDeadLetter(r.Context(), msgID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]dlq.Outcome{"outcome": outcome})
}

func (h *Handler) deleteDLQ(w http.ResponseWriter, r *http.Request) {
	msgID, ok := dlqID(w, r)
	if !ok {
		return
	}
	if err := h.relay.DeleteDeadLetter(r.Context(), msgID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cleanupDLQ(w http.ResponseWriter, r *http.Request) {
	age, err := queryDuration(r, "age", defaultCleanupAge)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	n, err := h.relay.CleanupDeadLetters(r.Context(), age)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func dlqID(w http.ResponseWriter, r *http.Request) (id.ID, bool) {
	msgID, err := id.ParseDLQID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid DLQ ID")
		return id.Nil, false
	}
	return msgID, true
}
