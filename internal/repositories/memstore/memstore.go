// Package memstore is an in-memory implementation of the service storage
// ports. InTx serialises transactions behind one lock and restores a snapshot
// when the unit of work fails, so tests see the same commit and rollback
// behaviour as the Postgres repositories.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/contact-unlock/backend/internal/models"
	"github.com/contact-unlock/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type state struct {
	accounts      map[uuid.UUID]models.Account
	accountOrder  []uuid.UUID
	ledger        []models.LedgerTransaction
	seq           int64
	connections   map[uuid.UUID]models.Connection
	connOrder     []uuid.UUID
	conversations map[uuid.UUID]models.Conversation
	messages      []models.Message
	audit         []models.AuditLog
}

func newState() *state {
	return &state{
		accounts:      make(map[uuid.UUID]models.Account),
		connections:   make(map[uuid.UUID]models.Connection),
		conversations: make(map[uuid.UUID]models.Conversation),
	}
}

func (s *state) clone() *state {
	c := &state{
		accounts:      make(map[uuid.UUID]models.Account, len(s.accounts)),
		accountOrder:  append([]uuid.UUID(nil), s.accountOrder...),
		ledger:        append([]models.LedgerTransaction(nil), s.ledger...),
		seq:           s.seq,
		connections:   make(map[uuid.UUID]models.Connection, len(s.connections)),
		connOrder:     append([]uuid.UUID(nil), s.connOrder...),
		conversations: make(map[uuid.UUID]models.Conversation, len(s.conversations)),
		messages:      append([]models.Message(nil), s.messages...),
		audit:         append([]models.AuditLog(nil), s.audit...),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.connections {
		c.connections[k] = v
	}
	for k, v := range s.conversations {
		c.conversations[k] = v
	}
	return c
}

// Store holds all tables. Methods taking a pgx.Tx must only be called from
// inside InTx; the others take the lock themselves.
type Store struct {
	mu       sync.Mutex
	st       *state
	failures map[string]error
	now      func() time.Time
}

func New() *Store {
	return &Store{
		st:       newState(),
		failures: make(map[string]error),
		now:      time.Now,
	}
}

// SetClock overrides the time used for created_at columns.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailOnce makes the next call to op fail with err. op is "<table>.<Method>",
// e.g. "conversations.Create".
func (s *Store) FailOnce(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *Store) fail(op string) error {
	if err, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return err
	}
	return nil
}

// InTx runs fn with exclusive access to the store and rolls every change
// back if fn fails. fn receives a nil pgx.Tx.
func (s *Store) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(nil); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) Accounts() *Accounts           { return &Accounts{s} }
func (s *Store) Ledger() *Ledger               { return &Ledger{s} }
func (s *Store) Connections() *Connections     { return &Connections{s} }
func (s *Store) Conversations() *Conversations { return &Conversations{s} }
func (s *Store) Audit() *Audit                 { return &Audit{s} }

type Accounts struct{ s *Store }

func (a *Accounts) Provision(_ context.Context, _ pgx.Tx, userID uuid.UUID) (bool, error) {
	if err := a.s.fail("accounts.Provision"); err != nil {
		return false, err
	}
	if _, ok := a.s.st.accounts[userID]; ok {
		return false, nil
	}
	now := a.s.now()
	a.s.st.accounts[userID] = models.Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
	a.s.st.accountOrder = append(a.s.st.accountOrder, userID)
	return true, nil
}

func (a *Accounts) Get(_ context.Context, userID uuid.UUID) (*models.Account, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return a.get(userID)
}

func (a *Accounts) GetForUpdate(_ context.Context, _ pgx.Tx, userID uuid.UUID) (*models.Account, error) {
	return a.get(userID)
}

func (a *Accounts) get(userID uuid.UUID) (*models.Account, error) {
	acc, ok := a.s.st.accounts[userID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &acc, nil
}

func (a *Accounts) ApplyDelta(_ context.Context, _ pgx.Tx, userID uuid.UUID, delta int64) (*models.Account, error) {
	if err := a.s.fail("accounts.ApplyDelta"); err != nil {
		return nil, err
	}
	acc, ok := a.s.st.accounts[userID]
	if !ok || acc.Balance+delta < 0 {
		return nil, repositories.ErrNotFound
	}
	acc.Balance += delta
	if delta > 0 {
		acc.TotalEarned += delta
	} else {
		acc.TotalSpent -= delta
	}
	acc.UpdatedAt = a.s.now()
	a.s.st.accounts[userID] = acc
	return &acc, nil
}

func (a *Accounts) ListIDs(_ context.Context, limit, offset int) ([]uuid.UUID, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return page(a.s.st.accountOrder, limit, offset), nil
}

type Ledger struct{ s *Store }

func (l *Ledger) Insert(_ context.Context, _ pgx.Tx, t *models.LedgerTransaction) error {
	if err := l.s.fail("ledger.Insert"); err != nil {
		return err
	}
	if t.ReferenceID != nil && (t.Kind == models.TxKindRefund || t.Kind == models.TxKindPurchase) {
		for _, existing := range l.s.st.ledger {
			if existing.Kind == t.Kind && existing.ReferenceID != nil && *existing.ReferenceID == *t.ReferenceID {
				return repositories.ErrConflict
			}
		}
	}
	l.s.st.seq++
	t.ID = uuid.New()
	t.Seq = l.s.st.seq
	t.CreatedAt = l.s.now()
	l.s.st.ledger = append(l.s.st.ledger, *t)
	return nil
}

func (l *Ledger) ListByAccount(_ context.Context, accountID uuid.UUID, limit, offset int) ([]models.LedgerTransaction, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	var out []models.LedgerTransaction
	for i := len(l.s.st.ledger) - 1; i >= 0; i-- {
		if l.s.st.ledger[i].AccountID == accountID {
			out = append(out, l.s.st.ledger[i])
		}
	}
	return page(out, limit, offset), nil
}

func (l *Ledger) ListAllForReplay(_ context.Context, accountID uuid.UUID) (*models.Account, []models.LedgerTransaction, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	acc, ok := l.s.st.accounts[accountID]
	if !ok {
		return nil, nil, repositories.ErrNotFound
	}
	var out []models.LedgerTransaction
	for _, t := range l.s.st.ledger {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return &acc, out, nil
}

type Connections struct{ s *Store }

func (c *Connections) Create(_ context.Context, _ pgx.Tx, conn *models.Connection) error {
	if err := c.s.fail("connections.Create"); err != nil {
		return err
	}
	if _, ok := c.s.st.connections[conn.ID]; ok {
		return repositories.ErrConflict
	}
	if c.findLive(conn.InitiatorID, conn.RecipientID, conn.Kind) != nil {
		return repositories.ErrConflict
	}
	for _, existing := range c.s.st.connections {
		if existing.ConversationID == conn.ConversationID {
			return repositories.ErrConflict
		}
	}
	now := c.s.now()
	conn.CreatedAt, conn.UpdatedAt = now, now
	c.s.st.connections[conn.ID] = *conn
	c.s.st.connOrder = append(c.s.st.connOrder, conn.ID)
	return nil
}

func (c *Connections) Get(_ context.Context, id uuid.UUID) (*models.Connection, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.get(id)
}

func (c *Connections) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Connection, error) {
	return c.get(id)
}

func (c *Connections) get(id uuid.UUID) (*models.Connection, error) {
	conn, ok := c.s.st.connections[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &conn, nil
}

func (c *Connections) GetByConversation(_ context.Context, conversationID uuid.UUID) (*models.Connection, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.byConversation(conversationID)
}

func (c *Connections) GetByConversationForUpdate(_ context.Context, _ pgx.Tx, conversationID uuid.UUID) (*models.Connection, error) {
	return c.byConversation(conversationID)
}

func (c *Connections) byConversation(conversationID uuid.UUID) (*models.Connection, error) {
	for _, conn := range c.s.st.connections {
		if conn.ConversationID == conversationID {
			cp := conn
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (c *Connections) FindLiveForUpdate(_ context.Context, _ pgx.Tx, a, b uuid.UUID, kind string) (*models.Connection, error) {
	if err := c.s.fail("connections.FindLiveForUpdate"); err != nil {
		return nil, err
	}
	if conn := c.findLive(a, b, kind); conn != nil {
		return conn, nil
	}
	return nil, repositories.ErrNotFound
}

func (c *Connections) findLive(a, b uuid.UUID, kind string) *models.Connection {
	low, high := models.PairKey(a, b)
	for _, conn := range c.s.st.connections {
		if conn.Kind != kind || conn.Status == models.ConnectionStatusExpired {
			continue
		}
		l, h := models.PairKey(conn.InitiatorID, conn.RecipientID)
		if l == low && h == high {
			cp := conn
			return &cp
		}
	}
	return nil
}

func (c *Connections) ListOverduePendingIDs(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var overdue []models.Connection
	for _, conn := range c.s.st.connections {
		if conn.Overdue(now) {
			overdue = append(overdue, conn)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].ExpiresAt.Before(*overdue[j].ExpiresAt) })

	ids := make([]uuid.UUID, 0, len(overdue))
	for _, conn := range overdue {
		ids = append(ids, conn.ID)
	}
	return page(ids, limit, 0), nil
}

func (c *Connections) LockOverdue(_ context.Context, _ pgx.Tx, id uuid.UUID, now time.Time) (*models.Connection, error) {
	if err := c.s.fail("connections.LockOverdue"); err != nil {
		return nil, err
	}
	conn, ok := c.s.st.connections[id]
	if !ok || !conn.Overdue(now) {
		return nil, repositories.ErrNotFound
	}
	return &conn, nil
}

func (c *Connections) MarkConnected(_ context.Context, _ pgx.Tx, id uuid.UUID, recipientPaid int64, at time.Time) (*models.Connection, error) {
	if err := c.s.fail("connections.MarkConnected"); err != nil {
		return nil, err
	}
	conn, ok := c.s.st.connections[id]
	if !ok || conn.Status != models.ConnectionStatusPending {
		return nil, repositories.ErrNotFound
	}
	conn.Status = models.ConnectionStatusConnected
	conn.RecipientPaid = recipientPaid
	conn.RecipientUnlockedAt = &at
	conn.ExpiresAt = nil
	conn.UpdatedAt = c.s.now()
	c.s.st.connections[id] = conn
	return &conn, nil
}

func (c *Connections) MarkExpired(_ context.Context, _ pgx.Tx, id, refundTxID uuid.UUID) (*models.Connection, error) {
	if err := c.s.fail("connections.MarkExpired"); err != nil {
		return nil, err
	}
	conn, ok := c.s.st.connections[id]
	if !ok || conn.Status != models.ConnectionStatusPending {
		return nil, repositories.ErrNotFound
	}
	conn.Status = models.ConnectionStatusExpired
	conn.RefundTxID = &refundTxID
	conn.UpdatedAt = c.s.now()
	c.s.st.connections[id] = conn
	return &conn, nil
}

func (c *Connections) ListForAccount(_ context.Context, userID uuid.UUID, f models.ConnectionFilter) ([]models.Connection, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var out []models.Connection
	for i := len(c.s.st.connOrder) - 1; i >= 0; i-- {
		conn := c.s.st.connections[c.s.st.connOrder[i]]
		switch f.Role {
		case models.ConnectionRoleInitiator:
			if conn.InitiatorID != userID {
				continue
			}
		case models.ConnectionRoleRecipient:
			if conn.RecipientID != userID {
				continue
			}
		default:
			if !conn.IsParticipant(userID) {
				continue
			}
		}
		if f.Kind != "" && conn.Kind != f.Kind {
			continue
		}
		if f.Status != "" && conn.Status != f.Status {
			continue
		}
		out = append(out, conn)
	}
	return page(out, f.Limit, f.Offset), nil
}

type Conversations struct{ s *Store }

func (c *Conversations) Create(_ context.Context, _ pgx.Tx, conv *models.Conversation) error {
	if err := c.s.fail("conversations.Create"); err != nil {
		return err
	}
	if _, ok := c.s.st.conversations[conv.ID]; ok {
		return repositories.ErrConflict
	}
	if _, ok := c.s.st.connections[conv.ConnectionID]; !ok {
		return repositories.ErrNotFound
	}
	conv.CreatedAt = c.s.now()
	stored := *conv
	stored.IsUnlocked = false
	c.s.st.conversations[conv.ID] = stored
	return nil
}

// Get projects IsUnlocked from the owning connection.
func (c *Conversations) Get(_ context.Context, id uuid.UUID) (*models.Conversation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	conv, ok := c.s.st.conversations[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	conn := c.s.st.connections[conv.ConnectionID]
	conv.IsUnlocked = conn.IsUnlocked()
	return &conv, nil
}

func (c *Conversations) InsertMessage(_ context.Context, _ pgx.Tx, m *models.Message) error {
	if err := c.s.fail("conversations.InsertMessage"); err != nil {
		return err
	}
	if _, ok := c.s.st.conversations[m.ConversationID]; !ok {
		return repositories.ErrNotFound
	}
	m.ID = uuid.New()
	m.CreatedAt = c.s.now()
	c.s.st.messages = append(c.s.st.messages, *m)
	return nil
}

func (c *Conversations) CountBySender(_ context.Context, _ pgx.Tx, conversationID, senderID uuid.UUID) (int, error) {
	n := 0
	for _, m := range c.s.st.messages {
		if m.ConversationID == conversationID && m.SenderID == senderID {
			n++
		}
	}
	return n, nil
}

func (c *Conversations) ListMessages(_ context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var out []models.Message
	for _, m := range c.s.st.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return page(out, limit, offset), nil
}

type Audit struct{ s *Store }

func (a *Audit) LogTx(_ context.Context, _ pgx.Tx, entry models.AuditLog) error {
	if err := a.s.fail("audit.LogTx"); err != nil {
		return err
	}
	entry.ID = uuid.New()
	entry.CreatedAt = a.s.now()
	a.s.st.audit = append(a.s.st.audit, entry)
	return nil
}

func (a *Audit) GetByEntity(_ context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	var out []models.AuditLog
	for i := len(a.s.st.audit) - 1; i >= 0; i-- {
		l := a.s.st.audit[i]
		if l.EntityType == entityType && l.EntityID != nil && *l.EntityID == entityID {
			out = append(out, l)
		}
	}
	return page(out, limit, offset), nil
}

// Transactions returns every ledger row of accountID in append order.
func (s *Store) Transactions(accountID uuid.UUID) []models.LedgerTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerTransaction
	for _, t := range s.st.ledger {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	return out
}

// MessageCount returns the number of messages stored for conversationID.
func (s *Store) MessageCount(conversationID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.st.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n
}

// ConnectionCount returns the number of stored connections.
func (s *Store) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.connections)
}

// Tamper rewrites an account row outside the ledger, for drift tests.
func (s *Store) Tamper(accountID uuid.UUID, fn func(*models.Account)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.st.accounts[accountID]
	fn(&acc)
	s.st.accounts[accountID] = acc
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return append([]T(nil), items...)
}
