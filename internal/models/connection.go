package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection kinds
const (
	ConnectionKindDirect   = "direct"
	ConnectionKindProposal = "proposal"
)

// Connection statuses
const (
	ConnectionStatusPending   = "pending"
	ConnectionStatusConnected = "connected"
	ConnectionStatusExpired   = "expired"
)

// Valid state transitions: from -> []to.
// "" is the state before the record exists.
var ValidConnectionTransitions = map[string][]string{
	"":                        {ConnectionStatusPending, ConnectionStatusConnected},
	ConnectionStatusPending:   {ConnectionStatusConnected, ConnectionStatusExpired},
	ConnectionStatusConnected: {},
	ConnectionStatusExpired:   {},
}

func IsValidConnectionTransition(from, to string) bool {
	allowed, ok := ValidConnectionTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsValidConnectionKind(kind string) bool {
	return kind == ConnectionKindDirect || kind == ConnectionKindProposal
}

// Connection is the pay-gated relationship between two accounts.
// It is the single source of truth for whether its conversation is unlocked.
type Connection struct {
	ID                  uuid.UUID  `json:"id"`
	Kind                string     `json:"kind"`
	InitiatorID         uuid.UUID  `json:"initiator_id"`
	RecipientID         uuid.UUID  `json:"recipient_id"`
	Status              string     `json:"status"`
	ConversationID      uuid.UUID  `json:"conversation_id"`
	ProposalRef         *string    `json:"proposal_ref,omitempty"`
	InitiatorPaid       int64      `json:"initiator_paid"`
	RecipientPaid       int64      `json:"recipient_paid"`
	InitiatorUnlockedAt time.Time  `json:"initiator_unlocked_at"`
	RecipientUnlockedAt *time.Time `json:"recipient_unlocked_at,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	RefundTxID          *uuid.UUID `json:"refund_tx_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsParticipant reports whether userID is one of the two sides.
func (c *Connection) IsParticipant(userID uuid.UUID) bool {
	return c.InitiatorID == userID || c.RecipientID == userID
}

// Counterparty returns the other side of the connection.
func (c *Connection) Counterparty(userID uuid.UUID) uuid.UUID {
	if c.InitiatorID == userID {
		return c.RecipientID
	}
	return c.InitiatorID
}

// IsUnlocked reports whether both sides may read and write the conversation.
func (c *Connection) IsUnlocked() bool {
	return c.Status == ConnectionStatusConnected
}

// HasUnlocked reports whether userID has paid (or was granted) access.
func (c *Connection) HasUnlocked(userID uuid.UUID) bool {
	switch userID {
	case c.InitiatorID:
		return true
	case c.RecipientID:
		return c.RecipientUnlockedAt != nil
	}
	return false
}

// Overdue reports whether a pending connection's deadline has passed at now.
func (c *Connection) Overdue(now time.Time) bool {
	return c.Status == ConnectionStatusPending && c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// PairKey orders two account ids so an unordered pair has one representation.
func PairKey(a, b uuid.UUID) (low, high uuid.UUID) {
	if a.String() < b.String() {
		return a, b
	}
	return b, a
}

// Connection list roles
const (
	ConnectionRoleInitiator = "initiator"
	ConnectionRoleRecipient = "recipient"
)

// ConnectionFilter narrows ListConnections. Empty fields match everything.
type ConnectionFilter struct {
	Kind   string
	Status string
	Role   string
	Limit  int
	Offset int
}
