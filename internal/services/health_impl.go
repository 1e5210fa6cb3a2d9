package services

import (
	"context"

	goa "goa.design/goa/v3/pkg"

	"visionrelay/internal/emitter"
	"visionrelay/internal/pipeline"
)

// Readiness is the body of the readiness check
type Readiness struct {
	Ready          bool           `json:"ready"`
	Backend        string         `json:"backend"`
	BackendReady   bool           `json:"backend_ready"`
	SourceActive   bool           `json:"source_active"`
	AgentConnected bool           `json:"agent_connected"`
	MQTT           *emitter.Stats `json:"mqtt,omitempty"`
}

// AgentStatus is satisfied by the agent client
type AgentStatus interface {
	IsConnected() bool
}

// HealthImplementation implements the health service
type HealthImplementation struct {
	backend   pipeline.Backend
	getSource pipeline.SourceFunc
	agent     AgentStatus
	mqtt      *emitter.MQTTEmitter
}

// NewHealthService creates a new health service. agent and mqtt may be nil.
func NewHealthService(backend pipeline.Backend, getSource pipeline.SourceFunc, agent AgentStatus, mqtt *emitter.MQTTEmitter) *HealthImplementation {
	return &HealthImplementation{
		backend:   backend,
		getSource: getSource,
		agent:     agent,
		mqtt:      mqtt,
	}
}

// Healthz implements the liveness check
func (h *HealthImplementation) Healthz(ctx context.Context) error {
	return nil
}

// Readyz implements the readiness check. Only the backend gates readiness;
// the source and the agent come and go at runtime.
func (h *HealthImplementation) Readyz(ctx context.Context) (*Readiness, error) {
	r := &Readiness{
		Backend:      h.backend.Name(),
		BackendReady: h.backend.IsReady(),
	}
	if h.getSource != nil {
		if src := h.getSource(); src != nil {
			r.SourceActive = src.IsActive()
		}
	}
	if h.agent != nil {
		r.AgentConnected = h.agent.IsConnected()
	}
	if h.mqtt != nil {
		stats := h.mqtt.Stats()
		r.MQTT = &stats
	}

	r.Ready = r.BackendReady
	if !r.Ready {
		return r, goa.TemporaryError(ErrNameUnavailable, "backend %s not ready", r.Backend)
	}
	return r, nil
}
