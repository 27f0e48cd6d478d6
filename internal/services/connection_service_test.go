package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/contact-unlock/backend/internal/events"
	"github.com/contact-unlock/backend/internal/models"
	"github.com/contact-unlock/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proposal(msg string) ProposalPayload {
	return ProposalPayload{ProposalRef: "bid-42", Message: msg}
}

func TestRequestDirectConnectsBothSides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conn, err := env.conns.RequestDirect(ctx, a, b)
	require.NoError(t, err)

	assert.Equal(t, models.ConnectionStatusConnected, conn.Status)
	assert.Equal(t, models.ConnectionKindDirect, conn.Kind)
	assert.Equal(t, env.now(), conn.InitiatorUnlockedAt)
	require.NotNil(t, conn.RecipientUnlockedAt)
	assert.Equal(t, env.now(), *conn.RecipientUnlockedAt)
	assert.Nil(t, conn.ExpiresAt)

	assert.Equal(t, int64(800), env.balance(t, a))
	assert.Equal(t, int64(1000), env.balance(t, b), "recipient pays nothing")
	assert.Equal(t, []string{models.TxKindPlatformFee, models.TxKindUnlockDirectContact}, env.txKinds(a))

	conv, err := env.convs.GetConversation(ctx, conn.ConversationID, b)
	require.NoError(t, err)
	assert.True(t, conv.IsUnlocked)
	assert.Equal(t, []string{events.EventDirectConnected}, env.pub.types())
}

func TestRequestDirectRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	_, err := env.conns.RequestDirect(ctx, a, a)
	assert.ErrorIs(t, err, ErrSelfConnection)

	_, err = env.conns.RequestDirect(ctx, a, uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = env.conns.RequestDirect(ctx, a, b)
	require.NoError(t, err)

	_, err = env.conns.RequestDirect(ctx, a, b)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	_, err = env.conns.RequestDirect(ctx, b, a)
	assert.ErrorIs(t, err, ErrAlreadyConnected, "pair is unordered")

	assert.Equal(t, int64(800), env.balance(t, a))
	assert.Equal(t, int64(1000), env.balance(t, b))
	assert.Equal(t, 1, env.store.ConnectionCount())
}

func TestRequestDirectInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.StartingGrant = 150
	a, b := uuid.New(), uuid.New()

	_, err := env.conns.RequestDirect(context.Background(), a, b)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, 0, env.store.ConnectionCount())
	assert.Equal(t, int64(150), env.balance(t, a))
	assert.Equal(t, []string{models.TxKindPlatformFee}, env.txKinds(a))
	assert.Empty(t, env.pub.types())
}

func TestRequestDirectRollsBackOnStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	a, b := uuid.New(), uuid.New()
	env.balance(t, a)

	boom := errors.New("disk full")
	env.store.FailOnce("conversations.Create", boom)

	_, err := env.conns.RequestDirect(context.Background(), a, b)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, ClassInternal, ErrorClass(err))

	assert.Equal(t, int64(1000), env.balance(t, a), "deduction rolled back")
	assert.Equal(t, []string{models.TxKindPlatformFee}, env.txKinds(a))
	assert.Equal(t, 0, env.store.ConnectionCount())
}

func TestRequestProposalScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conn, err := env.conns.RequestProposal(ctx, a, b, proposal("I can build this in two weeks"))
	require.NoError(t, err)

	assert.Equal(t, models.ConnectionStatusPending, conn.Status)
	assert.Nil(t, conn.RecipientUnlockedAt)
	require.NotNil(t, conn.ExpiresAt)
	assert.Equal(t, env.now().Add(7*24*time.Hour), *conn.ExpiresAt)
	require.NotNil(t, conn.ProposalRef)
	assert.Equal(t, "bid-42", *conn.ProposalRef)

	assert.Equal(t, int64(900), env.balance(t, a))
	assert.Equal(t, 1, env.store.MessageCount(conn.ConversationID))

	msgs, err := env.convs.ListMessages(ctx, conn.ConversationID, a, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, a, msgs[0].SenderID)
	assert.Equal(t, "I can build this in two weeks", msgs[0].Content)

	conv, err := env.convs.GetConversation(ctx, conn.ConversationID, b)
	require.NoError(t, err)
	assert.False(t, conv.IsUnlocked)

	ev := env.pub.events[0]
	assert.Equal(t, events.EventProposalCreated, ev.Type)
	assert.ElementsMatch(t, []string{a.String(), b.String()}, ev.AccountIDs())
}

func TestRequestProposalChargesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	_, err := env.conns.RequestProposal(ctx, a, b, proposal("first"))
	require.NoError(t, err)

	_, err = env.conns.RequestProposal(ctx, a, b, proposal("retry"))
	assert.ErrorIs(t, err, ErrProposalPending)
	_, err = env.conns.RequestProposal(ctx, b, a, proposal("reverse"))
	assert.ErrorIs(t, err, ErrProposalPending)

	assert.Equal(t, int64(900), env.balance(t, a))
	assert.Equal(t, int64(1000), env.balance(t, b))
	assert.Equal(t, []string{models.TxKindPlatformFee, models.TxKindSubmitProposal}, env.txKinds(a))
}

func TestRequestProposalValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload ProposalPayload
		want    error
	}{
		{"missing ref", ProposalPayload{Message: "hi"}, ErrInvalidPayload},
		{"empty message", ProposalPayload{ProposalRef: "bid-1", Message: "  "}, ErrEmptyMessage},
		{"markup only", ProposalPayload{ProposalRef: "bid-1", Message: "<br><br>"}, ErrEmptyMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			a := uuid.New()
			_, err := env.conns.RequestProposal(context.Background(), a, uuid.New(), tt.payload)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, ClassValidation, ErrorClass(err))
			assert.Equal(t, 0, env.store.ConnectionCount())
		})
	}
}

func TestDirectAndProposalAreSeparateKinds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	_, err := env.conns.RequestProposal(ctx, a, b, proposal("hello"))
	require.NoError(t, err)
	_, err = env.conns.RequestDirect(ctx, a, b)
	require.NoError(t, err)

	assert.Equal(t, int64(700), env.balance(t, a))
}

func TestLostCreateRaceReportsWinnerState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conn, err := env.conns.RequestProposal(ctx, a, b, proposal("hello"))
	require.NoError(t, err)
	_, err = env.conns.Unlock(ctx, conn.ID, b)
	require.NoError(t, err)
	before := env.balance(t, a)

	// The pre-check misses the connected row, as if it committed just after.
	env.store.FailOnce("connections.FindLiveForUpdate", repositories.ErrNotFound)
	_, err = env.conns.RequestProposal(ctx, a, b, proposal("again"))
	require.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, ClassInvalidState, ErrorClass(err))
	assert.Equal(t, before, env.balance(t, a), "deduction rolled back")
	assert.Equal(t, 1, env.store.ConnectionCount())
}

func TestLostCreateRaceWithoutLiveRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	env.balance(t, a)

	env.store.FailOnce("connections.Create", repositories.ErrConflict)
	_, err := env.conns.RequestDirect(ctx, a, b)
	require.ErrorIs(t, err, ErrConnectionConflict)
	assert.NotErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, ClassInvalidState, ErrorClass(err))
	assert.Equal(t, int64(1000), env.balance(t, a))

	_, err = env.conns.RequestDirect(ctx, a, b)
	require.NoError(t, err, "a retry succeeds once the race is over")
}

func TestUnlockScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conn, err := env.conns.RequestProposal(ctx, a, b, proposal("hello"))
	require.NoError(t, err)
	_, err = env.ledger.Deduct(ctx, b, 100, models.TxKindSubmitProposal, nil, "elsewhere")
	require.NoError(t, err)
	require.Equal(t, int64(900), env.balance(t, b))

	env.advance(24 * time.Hour)
	unlocked, err := env.conns.Unlock(ctx, conn.ID, b)
	require.NoError(t, err)

	assert.Equal(t, models.ConnectionStatusConnected, unlocked.Status)
	require.NotNil(t, unlocked.RecipientUnlockedAt)
	assert.Equal(t, env.now(), *unlocked.RecipientUnlockedAt)
	assert.Nil(t, unlocked.ExpiresAt)
	assert.Equal(t, int64(100), unlocked.RecipientPaid)

	assert.Equal(t, int64(800), env.balance(t, b))
	assert.Equal(t, int64(900), env.balance(t, a))
	assert.Contains(t, env.txKinds(b), models.TxKindViewProposal)

	conv, err := env.convs.GetConversation(ctx, conn.ConversationID, a)
	require.NoError(t, err)
	assert.True(t, conv.IsUnlocked)

	assert.Equal(t, []string{events.EventProposalCreated, events.EventProposalUnlocked}, env.pub.types())
}

func TestUnlockRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conn, err := env.conns.RequestProposal(ctx, a, b, proposal("hello"))
	require.NoError(t, err)

	_, err = env.conns.Unlock(ctx, uuid.New(), b)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.conns.Unlock(ctx, conn.ID, a)
	assert.ErrorIs(t, err, ErrNotFound, "initiator is not the recipient")
	_, err = env.conns.Unlock(ctx, conn.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.conns.Unlock(ctx, conn.ID, b)
	require.NoError(t, err)
	_, err = env.conns.Unlock(ctx, conn.ID, b)
	assert.ErrorIs(t, err, ErrAlreadyUnlocked)
	assert.Equal(t, int64(900), env.balance(t, b), "charged once")

	direct, err := env.conns.RequestDirect(ctx, a, b)
	require.NoError(t, err)
	_, err = env.conns.Unlock(ctx, direct.ID, b)
	assert.ErrorIs(t, err, ErrAlreadyUnlocked)
}

func TestUnlockInsufficientBalanceLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conn, err := env.conns.RequestProposal(ctx, a, b, proposal("hello"))
	require.NoError(t, err)
	_, err = env.ledger.Deduct(ctx, b, 950, models.TxKindSubmitProposal, nil, "")
	require.NoError(t, err)

	_, err = env.conns.Unlock(ctx, conn.ID, b)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	got, err := env.conns.GetConnection(ctx, conn.ID, b)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusPending, got.Status)
	assert.Nil(t, got.RecipientUnlockedAt)
	assert.Equal(t, int64(50), env.balance(t, b))
}

func TestUnlockAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conn, err := env.conns.RequestProposal(ctx, a, b, proposal("hello"))
	require.NoError(t, err)

	env.advance(7 * 24 * time.Hour)
	_, err = env.conns.Unlock(ctx, conn.ID, b)
	require.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, int64(1000), env.balance(t, b))

	_, err = env.conns.SweepExpired(ctx, env.now())
	require.NoError(t, err)
	_, err = env.conns.Unlock(ctx, conn.ID, b)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestSweepExpiredRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	conn, err := env.conns.RequestProposal(ctx, a, b, proposal("hello"))
	require.NoError(t, err)
	created := env.now()

	res, err := env.conns.SweepExpired(ctx, created.Add(6*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "not yet due")

	res, err = env.conns.SweepExpired(ctx, created.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refunded)

	got, err := env.conns.GetConnection(ctx, conn.ID, a)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusExpired, got.Status)
	require.NotNil(t, got.RefundTxID)
	assert.Equal(t, int64(1000), env.balance(t, a))
	assert.Equal(t, int64(1000), env.balance(t, b))

	res, err = env.conns.SweepExpired(ctx, created.Add(9*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Refunded)

	var refunds []models.LedgerTransaction
	for _, tx := range env.store.Transactions(a) {
		if tx.Kind == models.TxKindRefund {
			refunds = append(refunds, tx)
		}
	}
	require.Len(t, refunds, 1)
	assert.Equal(t, int64(100), refunds[0].Amount)
	assert.Equal(t, conn.ID, *refunds[0].ReferenceID)
	assert.Equal(t, refunds[0].ID, *got.RefundTxID)

	report, err := env.ledger.Verify(ctx, a)
	require.NoError(t, err)
	assert.True(t, report.OK)

	assert.Equal(t, []string{events.EventProposalCreated, events.EventProposalExpired}, env.pub.types())
}

func TestSweepRefundsStoredAmount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := uuid.New()

	_, err := env.conns.RequestProposal(ctx, a, uuid.New(), proposal("hello"))
	require.NoError(t, err)

	// a price change after submission does not change the refund
	env.cfg.ProposalInitiatorCost = 300
	_, err = env.conns.SweepExpired(ctx, env.now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), env.balance(t, a))
}

func TestSweepContinuesPastFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := uuid.New()

	first, err := env.conns.RequestProposal(ctx, a, uuid.New(), proposal("one"))
	require.NoError(t, err)
	env.advance(time.Minute)
	second, err := env.conns.RequestProposal(ctx, a, uuid.New(), proposal("two"))
	require.NoError(t, err)
	require.Equal(t, int64(800), env.balance(t, a))

	env.store.FailOnce("connections.MarkExpired", errors.New("write failed"))
	due := env.now().Add(8 * 24 * time.Hour)

	res, err := env.conns.SweepExpired(ctx, due)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Refunded: 1, Failed: 1}, res)

	stuck, err := env.conns.GetConnection(ctx, first.ID, a)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusPending, stuck.Status, "never expired without a refund")
	assert.Nil(t, stuck.RefundTxID)
	assert.Equal(t, int64(900), env.balance(t, a))

	done, err := env.conns.GetConnection(ctx, second.ID, a)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusExpired, done.Status)

	res, err = env.conns.SweepExpired(ctx, due)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refunded)
	assert.Equal(t, int64(1000), env.balance(t, a))
}

func TestConcurrentSweepsRefundOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := env.conns.RequestProposal(ctx, a, uuid.New(), proposal("hello"))
		require.NoError(t, err)
	}
	require.Equal(t, int64(500), env.balance(t, a))
	due := env.now().Add(8 * 24 * time.Hour)

	var wg sync.WaitGroup
	results := make([]SweepResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.conns.SweepExpired(ctx, due)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Refunded
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, int64(1000), env.balance(t, a))
}

func TestProposalAfterExpiryOpensNewConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	old, err := env.conns.RequestProposal(ctx, a, b, proposal("first try"))
	require.NoError(t, err)
	env.advance(8 * 24 * time.Hour)
	_, err = env.conns.SweepExpired(ctx, env.now())
	require.NoError(t, err)

	fresh, err := env.conns.RequestProposal(ctx, a, b, proposal("second try"))
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.NotEqual(t, old.ConversationID, fresh.ConversationID)
	assert.Equal(t, int64(900), env.balance(t, a))
}

func TestPublishFailureDoesNotUndoTransition(t *testing.T) {
	env := newTestEnv(t)
	env.pub.err = errPublish
	a, b := uuid.New(), uuid.New()

	conn, err := env.conns.RequestDirect(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusConnected, conn.Status)
	assert.Equal(t, int64(800), env.balance(t, a))
}

func TestListConnectionsAndHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	p, err := env.conns.RequestProposal(ctx, a, b, proposal("hello"))
	require.NoError(t, err)
	_, err = env.conns.RequestDirect(ctx, c, a)
	require.NoError(t, err)

	all, err := env.conns.ListConnections(ctx, a, models.ConnectionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	incoming, err := env.conns.ListConnections(ctx, b, models.ConnectionFilter{Role: models.ConnectionRoleRecipient, Status: models.ConnectionStatusPending})
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, p.ID, incoming[0].ID)

	none, err := env.conns.ListConnections(ctx, b, models.ConnectionFilter{Role: models.ConnectionRoleInitiator})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = env.conns.ListConnections(ctx, a, models.ConnectionFilter{Status: "archived"})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = env.conns.Unlock(ctx, p.ID, b)
	require.NoError(t, err)

	history, err := env.conns.ConnectionHistory(ctx, p.ID, a)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "connection_pending_to_connected", history[0].Action)
	assert.Equal(t, "connection_created_pending", history[1].Action)

	_, err = env.conns.ConnectionHistory(ctx, p.ID, c)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.conns.GetConnection(ctx, p.ID, c)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBalanceConservationAcrossFlows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}

	for i, from := range users {
		to := users[(i+1)%len(users)]
		_, err := env.conns.RequestProposal(ctx, from, to, proposal("work"))
		require.NoError(t, err)
		_, err = env.conns.RequestDirect(ctx, from, users[(i+2)%len(users)])
		if err != nil {
			require.ErrorIs(t, err, ErrAlreadyConnected)
		}
	}
	conns, err := env.conns.ListConnections(ctx, users[1], models.ConnectionFilter{Role: models.ConnectionRoleRecipient, Kind: models.ConnectionKindProposal})
	require.NoError(t, err)
	require.Len(t, conns, 1)
	_, err = env.conns.Unlock(ctx, conns[0].ID, users[1])
	require.NoError(t, err)

	_, err = env.conns.SweepExpired(ctx, env.now().Add(8*24*time.Hour))
	require.NoError(t, err)

	for _, u := range users {
		report, err := env.ledger.Verify(ctx, u)
		require.NoError(t, err)
		assert.True(t, report.OK, "account %s", u)
		assert.Equal(t, report.ReplayedEarned-report.ReplayedSpent, report.Balance)
	}
}
