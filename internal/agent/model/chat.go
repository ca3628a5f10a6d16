package model

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role of a chat turn author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Provenance tags where a cited figure came from.
type Provenance string

const (
	ProvenanceCachedEstimate Provenance = "cached-estimate"
	ProvenanceVerifiedLookup Provenance = "verified-lookup"
)

// Citation references one item that justified an answer.
type Citation struct {
	ItemID     string     `json:"itemId"`
	Provenance Provenance `json:"provenance"`
	Field      string     `json:"field,omitempty"`
}

// ChatTurn is one entry of the visible transcript.
type ChatTurn struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	Notes     []string   `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// NewTurnID returns a lexically sortable turn id.
func NewTurnID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewTurn builds a turn stamped with a fresh id.
func NewTurn(role Role, content string) ChatTurn {
	return ChatTurn{ID: NewTurnID(), Role: role, Content: content, CreatedAt: time.Now().UTC()}
}

// ChatRequest is the body of the chat endpoint.
type ChatRequest struct {
	RunID               string   `json:"runId"`
	Message             string   `json:"message"`
	SelectedIDs         []string `json:"selectedIds"`
	EscalationConfirmed bool     `json:"escalationConfirmed,omitempty"`
	EscalationTargetIDs []string `json:"escalationTargetIds,omitempty"`
}

// MetadataType enumerates the metadata events of the chat stream.
type MetadataType string

const (
	MetaCitations                      MetadataType = "citations"
	MetaEscalationMessage              MetadataType = "escalation_message"
	MetaEscalationConfirmationRequired MetadataType = "escalation_confirmation_required"
	MetaGuidedIntentDetected           MetadataType = "guided_intent_detected"
	MetaCostOverrideApplied            MetadataType = "cost_override_applied"
)

// Metadata is a non-content chat event. Fields are populated per Type.
type Metadata struct {
	Type       MetadataType         `json:"type"`
	Citations  []Citation           `json:"citations,omitempty"`
	Message    string               `json:"message,omitempty"`
	TargetIDs  []string             `json:"targetIds,omitempty"`
	CreditCost float64              `json:"creditCost,omitempty"`
	Intent     string               `json:"intent,omitempty"`
	Costs      *ProfitabilityInputs `json:"costs,omitempty"`
	Price      *float64             `json:"price,omitempty"`
}

// ChatEvent is one event of the chat stream: either a content fragment or
// a metadata event.
type ChatEvent struct {
	Content  string    `json:"content,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// EscalationDecision is the user's answer to an escalation request.
type EscalationDecision string

const (
	DecisionPending   EscalationDecision = "pending"
	DecisionConfirmed EscalationDecision = "confirmed"
	DecisionCancelled EscalationDecision = "cancelled"
)

// EscalationRequest describes a cost-bearing lookup awaiting the user's decision.
type EscalationRequest struct {
	Message          string
	TargetIDs        SelectionSet
	CreditCost       float64
	OriginalQuestion string
	Decision         EscalationDecision
}
