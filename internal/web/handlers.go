package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noahxzhu/webpush-notify/internal/model"
	"github.com/noahxzhu/webpush-notify/internal/schedule"
	"github.com/noahxzhu/webpush-notify/internal/worker"
)

const maxBodyBytes = 64 << 10

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"publicKey": s.opts.PublicKey})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"timestamp":         s.now().UTC().Format(time.RFC3339),
		"vapidConfigured":   s.opts.PublicKey != "",
		"subscriptionCount": s.registry.Len(),
		"serverUptime":      time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var dest model.Destination
	if err := decodeBody(w, r, &dest); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.registry.Add(r.Context(), dest)
	if err != nil {
		if errors.Is(err, model.ErrInvalidDestination) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("Subscribe failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "created": created})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	if !s.registry.Remove(r.Context(), req.Endpoint) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(subs), "subscriptions": subs})
}

type maskedSubscription struct {
	Index          int    `json:"index"`
	Endpoint       string `json:"endpoint"`
	Auth           string `json:"auth"`
	P256dh         string `json:"p256dh"`
	Timezone       string `json:"timezone,omitempty"`
	TimezoneOffset *int   `json:"timezoneOffset,omitempty"`
	FailCount      int    `json:"failCount"`
}

func (s *Server) handleDebugSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := s.registry.List()
	details := make([]maskedSubscription, 0, len(subs))
	for i, d := range subs {
		details = append(details, maskedSubscription{
			Index:          i,
			Endpoint:       d.ShortEndpoint(),
			Auth:           mask(d.Keys.Auth),
			P256dh:         mask(d.Keys.P256dh),
			Timezone:       d.Timezone,
			TimezoneOffset: d.TimezoneOffset,
			FailCount:      d.FailCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(subs),
		"details":     details,
		"lastUpdated": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	n, err := s.worker.TriggerImmediateFiller(r.Context())
	if errors.Is(err, worker.ErrDisabled) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sent":       true,
		"recipients": n,
		"timestamp":  s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSendWelcome(w http.ResponseWriter, r *http.Request) {
	var dest model.Destination
	if err := decodeBody(w, r, &dest); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := dest.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription")
		return
	}

	if err := s.worker.TriggerWelcome(r.Context(), dest); err != nil {
		if errors.Is(err, worker.ErrDisabled) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	next := s.worker.NextMessage(s.now())
	s.log.Info("Welcome queued", "next_kind", next.Kind, "minutes_until", next.MinutesUntil)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"welcomeSent": true,
		"nextMessage": map[string]any{
			"type":         next.Kind,
			"time":         next.At.Format(time.RFC3339),
			"minutesUntil": next.MinutesUntil,
		},
	})
}

func (s *Server) handleForceScheduled(w http.ResponseWriter, r *http.Request) {
	hour, err := strconv.Atoi(chi.URLParam(r, "hour"))
	if err != nil || hour < 0 || hour > 23 {
		writeError(w, http.StatusBadRequest, "hour must be within [0,23]")
		return
	}

	n, err := s.worker.ForceFixed(r.Context(), hour)
	switch {
	case errors.Is(err, worker.ErrNoFixedMessage):
		writeError(w, http.StatusBadRequest, "no scheduled message for that hour")
		return
	case errors.Is(err, worker.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "triggered": true, "hour": hour, "recipients": n})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    s.worker.SchedulerState(),
		"schedule": s.worker.ScheduleSnapshot(),
	})
}

type scheduledEntry struct {
	UTCHour   int    `json:"utc_hour"`
	LocalHour int    `json:"local_hour"`
	Message   string `json:"message"`
	IsNow     bool   `json:"is_now"`
}

func (s *Server) handleDebugScheduled(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()
	snap := s.worker.ScheduleSnapshot()
	entries := make([]scheduledEntry, 0, len(snap.UTC))
	for _, h := range snap.ScheduledHours {
		entries = append(entries, scheduledEntry{
			UTCHour:   h,
			LocalHour: schedule.ToLocalHour(h, snap.OffsetHours),
			Message:   truncate(snap.UTC[h], 80),
			IsNow:     h == now.Hour(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currentHour":       now.Hour(),
		"currentTime":       now.Format(time.RFC3339),
		"scheduledMessages": entries,
	})
}

func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) {
	snap := s.worker.ScheduleSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"offsetHours":       snap.OffsetHours,
		"scheduledMessages": snap.UTC,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	subs := s.registry.List()
	data, err := json.Marshal(subs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":             len(subs),
		"envVarFormat":      "SUBSCRIPTIONS_DATA='" + string(data) + "'",
		"subscriptionsData": string(data),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func mask(s string) string {
	if s == "" {
		return "none"
	}
	return truncate(s, 20)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
