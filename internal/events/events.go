package events

import "context"

// Streams
const (
	StreamConnection = "events:connection"
	StreamLedger     = "events:ledger"
)

// Event types
const (
	EventDirectConnected  = "direct_connected"
	EventProposalCreated  = "proposal_created"
	EventProposalUnlocked = "proposal_unlocked"
	EventProposalExpired  = "proposal_expired"
	EventMessageSent      = "message_sent"
	EventTokensPurchased  = "tokens_purchased"
)

// PayloadAccounts is the payload key listing the account ids an event is
// addressed to.
const PayloadAccounts = "account_ids"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// AccountIDs returns the addressees of e. It accepts both the []string form
// built by publishers and the []any form produced by JSON decoding.
func (e Event) AccountIDs() []string {
	switch v := e.Payload[PayloadAccounts].(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, id := range v {
			if s, ok := id.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return nil
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, handler func(stream string, event Event), streams ...string) error
}
