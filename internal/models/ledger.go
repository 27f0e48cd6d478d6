package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Ledger transaction kinds
const (
	TxKindUnlockDirectContact = "unlock_direct_contact"
	TxKindSubmitProposal      = "submit_proposal"
	TxKindViewProposal        = "view_proposal"
	TxKindRefund              = "refund"
	TxKindPurchase            = "purchase"
	TxKindPlatformFee         = "platform_fee"
)

// txKindCredits maps each kind to its direction: true for credits.
var txKindCredits = map[string]bool{
	TxKindUnlockDirectContact: false,
	TxKindSubmitProposal:      false,
	TxKindViewProposal:        false,
	TxKindRefund:              true,
	TxKindPurchase:            true,
	TxKindPlatformFee:         true,
}

func IsValidTxKind(kind string) bool {
	_, ok := txKindCredits[kind]
	return ok
}

// IsDebitKind reports whether kind may only move a balance down.
func IsDebitKind(kind string) bool {
	credit, ok := txKindCredits[kind]
	return ok && !credit
}

// IsCreditKind reports whether kind may only move a balance up.
func IsCreditKind(kind string) bool {
	return txKindCredits[kind]
}

// LedgerTransaction is an immutable, append-only balance change.
// Amount is signed: negative for deductions, positive for credits.
type LedgerTransaction struct {
	ID           uuid.UUID  `json:"id"`
	Seq          int64      `json:"seq"`
	AccountID    uuid.UUID  `json:"account_id"`
	Amount       int64      `json:"amount"`
	BalanceAfter int64      `json:"balance_after"`
	Kind         string     `json:"kind"`
	ReferenceID  *uuid.UUID `json:"reference_id,omitempty"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// LedgerReport is the result of replaying an account's transaction log.
type LedgerReport struct {
	AccountID       uuid.UUID  `json:"account_id"`
	Balance         int64      `json:"balance"`
	ReplayedBalance int64      `json:"replayed_balance"`
	ReplayedEarned  int64      `json:"replayed_earned"`
	ReplayedSpent   int64      `json:"replayed_spent"`
	Transactions    int        `json:"transactions"`
	BrokenChainAt   *uuid.UUID `json:"broken_chain_at,omitempty"`
	OK              bool       `json:"ok"`
}

// Replay folds a transaction log (any order) into a report for acc.
// The log is re-sorted by Seq to check each balance_after snapshot.
func Replay(acc *Account, txs []LedgerTransaction) LedgerReport {
	ordered := make([]LedgerTransaction, len(txs))
	copy(ordered, txs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	rep := LedgerReport{AccountID: acc.UserID, Balance: acc.Balance, Transactions: len(ordered)}
	var running int64
	for i := range ordered {
		tx := ordered[i]
		running += tx.Amount
		if tx.Amount >= 0 {
			rep.ReplayedEarned += tx.Amount
		} else {
			rep.ReplayedSpent -= tx.Amount
		}
		if tx.BalanceAfter != running && rep.BrokenChainAt == nil {
			id := tx.ID
			rep.BrokenChainAt = &id
		}
	}
	rep.ReplayedBalance = running
	rep.OK = rep.BrokenChainAt == nil &&
		running == acc.Balance &&
		rep.ReplayedEarned == acc.TotalEarned &&
		rep.ReplayedSpent == acc.TotalSpent
	return rep
}
