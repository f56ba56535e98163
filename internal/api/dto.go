package api

import (
	"github.com/ChaseRain/pptwizard/internal/service/backend"
	"github.com/ChaseRain/pptwizard/internal/service/session"
	"github.com/ChaseRain/pptwizard/internal/service/workflow"
)

type ContentRequest struct {
	TemplateID   string   `json:"templateId"`
	Query        string   `json:"query"`
	Context      string   `json:"context"`
	ContainerIDs []string `json:"containerIds"`
	// UseRAG falls back to the configured default when omitted.
	UseRAG *bool `json:"useRag"`
	Stream bool  `json:"stream"`
}

type RegenerateRequest struct {
	Query  string `json:"query"`
	Stream bool   `json:"stream"`
}

type BuildRequest struct {
	OutputFilename string `json:"outputFilename"`
}

type SetTextRequest struct {
	Text *string `json:"text" binding:"required"`
}

type BuildResponse struct {
	Artifact *session.Artifact `json:"artifact"`
	Session  workflow.View     `json:"session"`
}

type EditResponse struct {
	Changed bool          `json:"changed"`
	Session workflow.View `json:"session"`
}

type TemplatesResponse struct {
	Templates []backend.Template `json:"templates"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	// InFlight is the number of backend calls holding a limiter slot.
	InFlight int    `json:"inFlight"`
}

// StreamEvent is the envelope of every SSE frame.
type StreamEvent struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	SessionID string      `json:"session_id"`
}

const (
	// SSE event types
	EventTypeView  = "view"
	EventTypeDone  = "done"
	EventTypeError = "error"
)
