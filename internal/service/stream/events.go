// Package stream decodes the backend's newline-delimited "data: {...}"
// progress stream into typed events.
package stream

import (
	"github.com/ChaseRain/pptwizard/internal/service/outline"
)

// Wire discriminants of the "type" field.
const (
	TypeStatus            = "status"
	TypeWarning           = "warning"
	TypeStart             = "start"
	TypeAgentThinking     = "agent_thinking"
	TypeOutlineGenerating = "outline_generating"
	TypeOutlineReady      = "outline_ready"
	TypeHeartbeat         = "heartbeat"
	TypeComplete          = "complete"
	TypeError             = "error"
	TypeResult            = "result"
)

// Event is one decoded stream record. The set of implementations is closed;
// switch on the concrete type.
type Event interface {
	eventType() string
}

type Status struct{ Message string }

type Warning struct{ Message string }

type Start struct{ AgentType string }

type AgentThinking struct{ Message string }

type OutlineGenerating struct{ Message string }

type OutlineReady struct{}

type Heartbeat struct{ Message string }

// Complete ends a successful stream. Slides is set when the backend inlines
// the final content in the event itself.
type Complete struct {
	FileURL    string
	FileName   string
	AgentType  string
	Iterations int
	ToolsUsed  []string
	Slides     []outline.Slide
	HasSlides  bool
}

// Error ends a failed stream.
type Error struct{ Message string }

// Result carries the final slide list sent after the progress events.
type Result struct {
	Slides []outline.Slide
}

func (Status) eventType() string            { return TypeStatus }
func (Warning) eventType() string           { return TypeWarning }
func (Start) eventType() string             { return TypeStart }
func (AgentThinking) eventType() string     { return TypeAgentThinking }
func (OutlineGenerating) eventType() string { return TypeOutlineGenerating }
func (OutlineReady) eventType() string      { return TypeOutlineReady }
func (Heartbeat) eventType() string         { return TypeHeartbeat }
func (Complete) eventType() string          { return TypeComplete }
func (Error) eventType() string             { return TypeError }
func (Result) eventType() string            { return TypeResult }

// TypeOf returns the wire discriminant of e.
func TypeOf(e Event) string {
	return e.eventType()
}
