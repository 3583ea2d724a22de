package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"agrowatch/internal/auth"
	"agrowatch/internal/dispatch"
	"agrowatch/internal/model"
)

// ActuatorHandler handles manual actuator triggers
type ActuatorHandler struct {
	trigger Trigger
	limiter *auth.TriggerLimiter
}

// NewActuatorHandler creates new actuator handler. A nil limiter disables rate limiting.
func NewActuatorHandler(trigger Trigger, limiter *auth.TriggerLimiter) *ActuatorHandler {
	return &ActuatorHandler{trigger: trigger, limiter: limiter}
}

// TriggerRequest represents a manual trigger request body
type TriggerRequest struct {
	// Target is one or more comma separated actuator topics, or a bare command for DeviceID
	Target        string   `json:"target"`
	DeviceID      string   `json:"deviceId,omitempty"`
	Tier          string   `json:"tier,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	SensorID      string   `json:"sensorId,omitempty"`
	Value         *float64 `json:"value,omitempty"`
}

// TriggerResponse represents a manual trigger response
type TriggerResponse struct {
	Success        bool     `json:"success"`
	CorrelationIDs []string `json:"correlationIds"`
	Message        string   `json:"message,omitempty"`
}

// Trigger handles POST /api/actuators/trigger
func (h *ActuatorHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	// Check rate limit first - reject immediately without wasting resources
	if h.limiter != nil {
		if allowed, wait := h.limiter.Allow(clientIP); !allowed {
			if wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
			writeJSON(w, http.StatusTooManyRequests, TriggerResponse{
				CorrelationIDs: []string{},
				Message:        "Too many trigger requests",
			})
			return
		}
	}

	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, TriggerResponse{
			CorrelationIDs: []string{},
			Message:        "Invalid request body",
		})
		return
	}

	if req.Target == "" {
		writeJSON(w, http.StatusBadRequest, TriggerResponse{
			CorrelationIDs: []string{},
			Message:        "target is required",
		})
		return
	}

	var tier model.Tier
	if req.Tier != "" {
		parsed, ok := model.ParseTier(req.Tier)
		if !ok {
			writeJSON(w, http.StatusBadRequest, TriggerResponse{
				CorrelationIDs: []string{},
				Message:        "unknown tier " + strconv.Quote(req.Tier),
			})
			return
		}
		tier = parsed
	}

	records, err := h.trigger.Trigger(r.Context(), req.Target, dispatch.Context{
		SensorID:      req.SensorID,
		Value:         req.Value,
		DeviceID:      req.DeviceID,
		Tier:          tier,
		CorrelationID: req.CorrelationID,
	})

	resp := TriggerResponse{CorrelationIDs: make([]string, 0, len(records))}
	for _, rec := range records {
		resp.CorrelationIDs = append(resp.CorrelationIDs, rec.CorrelationID)
	}

	switch {
	case errors.Is(err, dispatch.ErrNoTopics):
		resp.Message = err.Error()
		writeJSON(w, http.StatusBadRequest, resp)
	case err != nil:
		resp.Message = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		resp.Success = true
		writeJSON(w, http.StatusAccepted, resp)
	}
}
