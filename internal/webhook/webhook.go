// Package webhook exposes the dispatcher over HTTP for Telegram webhook
// delivery.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dispatch"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
)

// MaxBodyBytes bounds an inbound update body.
const MaxBodyBytes = 1 << 20

// HealthPath serves the health report; it cannot double as the webhook path.
const HealthPath = "/healthz"

// Dispatcher handles one decoded update.
type Dispatcher interface {
	Handle(ctx context.Context, update cmdpkg.Update) dispatch.Outcome
}

// Stats reports cache figures for the health endpoint.
type Stats interface {
	Conversations() int
}

// Handler serves the webhook and health endpoints.
type Handler struct {
	dispatcher Dispatcher
	stats      Stats
	events     dispatch.EventSink
	logf       func(format string, args ...any)
	mux        *http.ServeMux
}

// NewHandler routes POST webhookPath to dispatcher and GET HealthPath to a
// health report. events may be nil.
func NewHandler(webhookPath string, dispatcher Dispatcher, stats Stats, events dispatch.EventSink) *Handler {
	h := &Handler{
		dispatcher: dispatcher,
		stats:      stats,
		events:     events,
		logf:       log.Printf,
		mux:        http.NewServeMux(),
	}
	h.mux.HandleFunc(webhookPath, h.serveUpdate)
	h.mux.HandleFunc(HealthPath, h.serveHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveUpdate(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logf("[webhook] %s body exceeds %d bytes", requestID, MaxBodyBytes)
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logf("[webhook] %s failed to read body: %v", requestID, err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	update, err := telegram.DecodeUpdate(body)
	if err != nil {
		h.logf("[webhook] %s %v", requestID, err)
		if h.events != nil {
			h.events.Record(db.EventUpdateMalformed, map[string]any{
				"request_id": requestID,
				"bytes":      len(body),
			})
		}
		http.Error(w, "Malformed update", http.StatusBadRequest)
		return
	}

	if h.events != nil {
		h.events.Record(db.EventUpdateReceived, map[string]any{
			"request_id": requestID,
			"update_id":  update.UpdateID,
		})
	}

	// The pipeline runs to completion even if Telegram drops the connection,
	// so a reply is never half-sent and then re-triggered by redelivery.
	ctx := context.WithoutCancel(r.Context())
	outcome := h.dispatcher.Handle(ctx, update)
	h.logf("[webhook] %s update_id=%d outcome=%s", requestID, update.UpdateID, outcome)

	// Every dispatched outcome is 200: any other status makes Telegram
	// redeliver the update and the reply would be sent twice.
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, outcome.String())
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{"status": "ok"}
	if h.stats != nil {
		resp["conversations"] = h.stats.Conversations()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
