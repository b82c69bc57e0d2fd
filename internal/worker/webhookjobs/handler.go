package webhookjobs

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dialdesk/dialdesk/pkg/logging"
)

// TriggerHandler exposes the worker as an HTTP endpoint so an external
// scheduler can drive processing passes.
type TriggerHandler struct {
	worker     *Worker
	cronSecret string
	logger     *logging.Logger
}

// NewTriggerHandler wires the endpoint. cronSecret must be non-empty or the
// endpoint rejects everything.
func NewTriggerHandler(worker *Worker, cronSecret string, logger *logging.Logger) *TriggerHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &TriggerHandler{worker: worker, cronSecret: cronSecret, logger: logger}
}

// ServeHTTP handles POST /webhooks/process-queue.
func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.Warn("rejected queue trigger", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	result, err := h.worker.ProcessPass(r.Context())
	if err != nil {
		h.logger.Error("queue pass failed", "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Error("failed to encode pass result", "error", err)
	}
}

func (h *TriggerHandler) authorized(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) == 1
}
