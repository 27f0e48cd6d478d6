package events

import (
	"encoding/json"
	"testing"
)

func TestAccountIDs(t *testing.T) {
	built := Event{Type: EventProposalCreated, Payload: map[string]any{
		PayloadAccounts: []string{"a", "b"},
	}}
	if got := built.AccountIDs(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("AccountIDs() = %v, want [a b]", got)
	}

	data, err := json.Marshal(built)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if got := decoded.AccountIDs(); len(got) != 2 || got[1] != "b" {
		t.Fatalf("decoded AccountIDs() = %v, want [a b]", got)
	}

	if got := (Event{Type: EventMessageSent}).AccountIDs(); got != nil {
		t.Fatalf("AccountIDs() without addressees = %v, want nil", got)
	}
}
