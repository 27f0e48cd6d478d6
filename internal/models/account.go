package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a user's token balance and running totals.
// TotalEarned - TotalSpent == Balance after every committed mutation.
type Account struct {
	UserID      uuid.UUID `json:"user_id"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"total_earned"`
	TotalSpent  int64     `json:"total_spent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Consistent reports whether the running totals agree with the balance.
func (a *Account) Consistent() bool {
	return a.Balance >= 0 && a.TotalEarned-a.TotalSpent == a.Balance
}
