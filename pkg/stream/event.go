// Package stream defines the typed event protocol emitted during flow
// execution.
//
// Every event is an envelope (domain, type, id, timestamp, optional
// correlation and execution ids) plus a domain-specific payload. Events
// are emitted at flow and step boundaries, at reasoning milestones, at
// interaction points, and for audit. Within a single execution id,
// events are totally ordered and delivered to subscribers in emission
// order.
package stream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Domain classifies the subsystem an event belongs to.
type Domain string

const (
	DomainChat        Domain = "CHAT"
	DomainThinking    Domain = "THINKING"
	DomainTool        Domain = "TOOL"
	DomainInteraction Domain = "INTERACTION"
	DomainAudit       Domain = "AUDIT"
	DomainSystem      Domain = "SYSTEM"
)

// Type identifies the event within its domain.
type Type string

const (
	TypeStart        Type = "START"
	TypeEnd          Type = "END"
	TypeError        Type = "ERROR"
	TypeDelta        Type = "DELTA"
	TypeMessage      Type = "MESSAGE"
	TypeThinking     Type = "THINKING"
	TypeReflection   Type = "REFLECTION"
	TypeVerification Type = "VERIFICATION"
	TypeToolStart    Type = "TOOL_START"
	TypeProgress     Type = "PROGRESS"
	TypeResult       Type = "RESULT"
	TypeToolError    Type = "TOOL_ERROR"
	TypeTrace        Type = "TRACE"
	TypeSpan         Type = "SPAN"
	TypeMetric       Type = "METRIC"
	TypeLog          Type = "LOG"
	TypeSuspend      Type = "SUSPEND"
	TypeForm         Type = "FORM"
	TypeResume       Type = "RESUME"
	TypeCancel       Type = "CANCEL"
	TypeConnected    Type = "CONNECTED"
	TypeDisconnected Type = "DISCONNECTED"
	TypeHeartbeat    Type = "HEARTBEAT"
)

// Envelope is the metadata header carried by every event.
type Envelope struct {
	Domain        Domain    `json:"domain"`
	Type          Type      `json:"type"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	ExecutionID   string    `json:"executionId,omitempty"`
}

// Event pairs an envelope with its domain-specific payload.
type Event struct {
	Envelope Envelope `json:"envelope"`
	Data     any      `json:"data,omitempty"`
}

// New creates an event with a fresh id and the current timestamp.
func New(domain Domain, eventType Type, data any) *Event {
	return &Event{
		Envelope: Envelope{
			Domain:    domain,
			Type:      eventType,
			ID:        uuid.New().String(),
			Timestamp: time.Now(),
		},
		Data: data,
	}
}

// WithExecutionID sets the execution id and returns the event for
// chaining.
func (e *Event) WithExecutionID(executionID string) *Event {
	e.Envelope.ExecutionID = executionID
	return e
}

// WithCorrelationID sets the correlation id and returns the event for
// chaining.
func (e *Event) WithCorrelationID(correlationID string) *Event {
	e.Envelope.CorrelationID = correlationID
	return e
}

// MarshalJSON renders the wire format: two top-level objects, envelope
// and data, with null fields omitted.
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal((*alias)(e))
}

// ChatData is the payload for CHAT domain events.
type ChatData struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ThinkingData is the payload for THINKING domain events.
type ThinkingData struct {
	Content string `json:"content,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// ToolData is the payload for TOOL domain events.
type ToolData struct {
	ToolName string         `json:"toolName,omitempty"`
	StepID   string         `json:"stepId,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
	Progress float64        `json:"progress,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// InteractionData is the payload for INTERACTION domain events.
type InteractionData struct {
	ConversationID string         `json:"conversationId,omitempty"`
	WorkflowID     string         `json:"workflowId,omitempty"`
	ResumeToken    string         `json:"resumeToken,omitempty"`
	Form           map[string]any `json:"form,omitempty"`
	FormData       map[string]any `json:"formData,omitempty"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
}

// AuditData is the payload for AUDIT domain events.
type AuditData struct {
	FlowID    string         `json:"flowId,omitempty"`
	StepID    string         `json:"stepId,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	ErrorType string         `json:"errorType,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// SystemData is the payload for SYSTEM domain events.
type SystemData struct {
	Component string `json:"component,omitempty"`
	Message   string `json:"message,omitempty"`
}

// NewFlowStart builds the AUDIT/START event emitted when a flow begins.
func NewFlowStart(flowID string) *Event {
	return New(DomainAudit, TypeStart, &AuditData{FlowID: flowID}).WithExecutionID(flowID)
}

// NewFlowEnd builds the AUDIT/END event emitted when a flow reaches a
// terminal status.
func NewFlowEnd(flowID, status string) *Event {
	return New(DomainAudit, TypeEnd, &AuditData{FlowID: flowID, Status: status}).WithExecutionID(flowID)
}

// NewFlowError builds the AUDIT/ERROR event emitted when a flow fails.
func NewFlowError(flowID, errorType, message string) *Event {
	return New(DomainAudit, TypeError, &AuditData{
		FlowID:    flowID,
		ErrorType: errorType,
		Message:   message,
	}).WithExecutionID(flowID)
}

// NewToolStart builds the TOOL/TOOL_START event for a step or tool
// invocation.
func NewToolStart(flowID, stepID, toolName string, input map[string]any) *Event {
	return New(DomainTool, TypeToolStart, &ToolData{
		ToolName: toolName,
		StepID:   stepID,
		Input:    input,
	}).WithExecutionID(flowID)
}

// NewToolResult builds the TOOL/RESULT event carrying a step output.
func NewToolResult(flowID, stepID, toolName string, output map[string]any) *Event {
	return New(DomainTool, TypeResult, &ToolData{
		ToolName: toolName,
		StepID:   stepID,
		Output:   output,
	}).WithExecutionID(flowID)
}

// NewToolError builds the TOOL/TOOL_ERROR event for a failed invocation.
func NewToolError(flowID, stepID, toolName, errMsg string) *Event {
	return New(DomainTool, TypeToolError, &ToolData{
		ToolName: toolName,
		StepID:   stepID,
		Error:    errMsg,
	}).WithExecutionID(flowID)
}

// NewSuspend builds the INTERACTION/SUSPEND event for a suspended
// conversation.
func NewSuspend(conversationID, workflowID, resumeToken string, form map[string]any, expiresAt time.Time) *Event {
	return New(DomainInteraction, TypeSuspend, &InteractionData{
		ConversationID: conversationID,
		WorkflowID:     workflowID,
		ResumeToken:    resumeToken,
		Form:           form,
		ExpiresAt:      &expiresAt,
	}).WithCorrelationID(conversationID)
}

// NewResume builds the INTERACTION/RESUME event.
func NewResume(conversationID string, formData map[string]any) *Event {
	return New(DomainInteraction, TypeResume, &InteractionData{
		ConversationID: conversationID,
		FormData:       formData,
	}).WithCorrelationID(conversationID)
}

// NewInteractionCancel builds the INTERACTION/CANCEL event.
func NewInteractionCancel(conversationID string) *Event {
	return New(DomainInteraction, TypeCancel, &InteractionData{
		ConversationID: conversationID,
	}).WithCorrelationID(conversationID)
}

// NewHeartbeat builds the SYSTEM/HEARTBEAT event emitted by transports
// on idle.
func NewHeartbeat(component string) *Event {
	return New(DomainSystem, TypeHeartbeat, &SystemData{Component: component})
}
