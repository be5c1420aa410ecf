package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/classmesh/event-relay/internal/application"
	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service *application.Service
}

func NewHandler(service *application.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req contracts.PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), requestIDFromContext(r.Context()))
		return
	}
	env, channel, err := h.service.PublishEvent(r.Context(), application.PublishEventInput{
		EventType:     req.EventType,
		TenantID:      req.TenantID,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
		CausationID:   req.CausationID,
	})
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusAccepted, "", contracts.PublishEventResponse{EventID: env.EventID, Channel: channel})
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := h.service.ListDeadLetters(r.Context(), limit)
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg, requestIDFromContext(r.Context()))
		return
	}
	resp := contracts.ListDeadLettersResponse{DeadLetters: make([]contracts.DeadLetterDTO, 0, len(records))}
	for _, rec := range records {
		resp.DeadLetters = append(resp.DeadLetters, toDeadLetterDTO(rec))
	}
	writeSuccess(w, http.StatusOK, "", resp)
}

func (h *Handler) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.ReplayDeadLetter(r.Context(), chi.URLParam(r, "record_id"))
	if err != nil {
		status, code, msg := mapDomainError(err)
		writeError(w, status, code, msg, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, "", contracts.ReplayDeadLetterResponse{
		RecordID: record.RecordID,
		EventID:  record.EventID,
		Channel:  record.Channel,
	})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, "", contracts.ListSubscriptionsResponse{Subscriptions: h.service.Subscriptions()})
}

func toDeadLetterDTO(rec contracts.DeadLetter) contracts.DeadLetterDTO {
	return contracts.DeadLetterDTO{
		RecordID:      rec.RecordID,
		EventID:       rec.EventID,
		ConsumerGroup: rec.ConsumerGroup,
		Channel:       rec.Channel,
		Reason:        rec.Reason,
		AttemptCount:  rec.AttemptCount,
		FirstSeenAt:   rec.FirstSeenAt.UTC().Format(time.RFC3339),
		LastAttemptAt: rec.LastAttemptAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, contracts.SuccessResponse{Status: "success", Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, contracts.ErrorResponse{Status: "error", Error: contracts.ErrorPayload{Code: code, Message: message, RequestID: requestID}})
}
