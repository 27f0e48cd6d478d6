package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/contact-unlock/backend/internal/events"
	"github.com/contact-unlock/backend/internal/repositories/memstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var errPublish = errors.New("redis down")

type testEnv struct {
	store   *memstore.Store
	cfg     *config.Config
	pub     *recordingPublisher
	ledger  *LedgerService
	conns   *ConnectionService
	convs   *ConversationService
	clock   time.Time
	clockMu sync.Mutex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store: memstore.New(),
		cfg:   config.Default(),
		pub:   &recordingPublisher{},
		clock: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.store.SetClock(env.now)

	log := zap.NewNop()
	env.ledger = NewLedgerService(env.store, env.store.Accounts(), env.store.Ledger(), env.cfg, log)
	env.conns = NewConnectionService(env.store, env.ledger, env.store.Connections(), env.store.Conversations(),
		env.store.Audit(), env.pub, env.cfg, log)
	env.conns.now = env.now
	env.convs = NewConversationService(env.store, env.store.Connections(), env.store.Conversations(), env.pub, env.cfg, log)
	return env
}

func (e *testEnv) now() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return e.clock
}

func (e *testEnv) advance(d time.Duration) time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	e.clock = e.clock.Add(d)
	return e.clock
}

func (e *testEnv) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	acc, err := e.ledger.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", id, err)
	}
	return acc.Balance
}

// txKinds returns the kinds of id's ledger rows in append order.
func (e *testEnv) txKinds(id uuid.UUID) []string {
	var kinds []string
	for _, t := range e.store.Transactions(id) {
		kinds = append(kinds, t.Kind)
	}
	return kinds
}
