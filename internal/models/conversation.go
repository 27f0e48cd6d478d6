package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is the message thread owned by a Connection. IsUnlocked is
// never stored: it is projected from the owning connection's status.
type Conversation struct {
	ID           uuid.UUID `json:"id"`
	ConnectionID uuid.UUID `json:"connection_id"`
	Kind         string    `json:"kind"`
	ProposalRef  *string   `json:"proposal_ref,omitempty"`
	IsUnlocked   bool      `json:"is_unlocked"`
	CreatedAt    time.Time `json:"created_at"`
}

type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
