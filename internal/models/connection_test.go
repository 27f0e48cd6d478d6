package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIsValidConnectionTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Creation
		{"", ConnectionStatusConnected, true},
		{"", ConnectionStatusPending, true},
		{"", ConnectionStatusExpired, false},

		// Proposal lifecycle
		{ConnectionStatusPending, ConnectionStatusConnected, true},
		{ConnectionStatusPending, ConnectionStatusExpired, true},

		// Terminal
		{ConnectionStatusConnected, ConnectionStatusExpired, false},
		{ConnectionStatusConnected, ConnectionStatusPending, false},
		{ConnectionStatusExpired, ConnectionStatusConnected, false},
		{ConnectionStatusExpired, ConnectionStatusPending, false},

		// Unknown
		{"nonexistent", ConnectionStatusConnected, false},
		{ConnectionStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidConnectionTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidConnectionTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTerminalConnectionStatuses(t *testing.T) {
	for _, status := range []string{ConnectionStatusConnected, ConnectionStatusExpired} {
		if n := len(ValidConnectionTransitions[status]); n != 0 {
			t.Errorf("terminal status %q should have no transitions, got %d", status, n)
		}
	}
}

func TestConnectionAccess(t *testing.T) {
	initiator, recipient, stranger := uuid.New(), uuid.New(), uuid.New()
	c := &Connection{
		InitiatorID: initiator,
		RecipientID: recipient,
		Status:      ConnectionStatusPending,
	}

	if !c.IsParticipant(initiator) || !c.IsParticipant(recipient) || c.IsParticipant(stranger) {
		t.Fatal("participant check is wrong")
	}
	if c.Counterparty(initiator) != recipient || c.Counterparty(recipient) != initiator {
		t.Fatal("counterparty is wrong")
	}
	if !c.HasUnlocked(initiator) {
		t.Error("initiator always has access")
	}
	if c.HasUnlocked(recipient) {
		t.Error("recipient has not paid yet")
	}
	if c.IsUnlocked() {
		t.Error("pending connection must not read as unlocked")
	}

	now := time.Now()
	c.RecipientUnlockedAt = &now
	c.Status = ConnectionStatusConnected
	if !c.HasUnlocked(recipient) || !c.IsUnlocked() {
		t.Error("connected connection must be unlocked for both sides")
	}
}

func TestConnectionOverdue(t *testing.T) {
	deadline := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	c := &Connection{Status: ConnectionStatusPending, ExpiresAt: &deadline}

	if c.Overdue(deadline.Add(-time.Second)) {
		t.Error("not overdue before the deadline")
	}
	if !c.Overdue(deadline) {
		t.Error("overdue exactly at the deadline")
	}

	c.Status = ConnectionStatusConnected
	if c.Overdue(deadline.Add(time.Hour)) {
		t.Error("connected connections never become overdue")
	}

	c.Status = ConnectionStatusPending
	c.ExpiresAt = nil
	if c.Overdue(deadline.Add(time.Hour)) {
		t.Error("connections without a deadline never become overdue")
	}
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	l1, h1 := PairKey(a, b)
	l2, h2 := PairKey(b, a)
	if l1 != l2 || h1 != h2 {
		t.Errorf("PairKey not symmetric: (%s,%s) vs (%s,%s)", l1, h1, l2, h2)
	}
}
