// Package topup credits tokens for TON deposits to the hot wallet.
package topup

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/contact-unlock/backend/internal/events"
	"github.com/contact-unlock/backend/internal/models"
	"github.com/contact-unlock/backend/internal/services"
	"github.com/contact-unlock/backend/internal/ton"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	MemoPrefix   = "topup:"
	processedTTL = 7 * 24 * time.Hour
	nanoPerTON   = 1_000_000_000

	// MaxDepositTokens is the largest single credit the indexer will make.
	// Anything above it is held back for manual review.
	MaxDepositTokens int64 = 1_000_000_000_000
)

// depositNamespace scopes the deterministic ledger references of deposits.
var depositNamespace = uuid.MustParse("8f7d3c52-6a0e-4f1b-9c55-2b8e7a1d4e60")

type Crediter interface {
	Add(ctx context.Context, accountID uuid.UUID, amount int64, kind string, referenceID *uuid.UUID, note string) (*models.Account, error)
}

// Marks remembers which deposits have been settled.
type Marks interface {
	Seen(ctx context.Context, lt uint64) (bool, error)
	Mark(ctx context.Context, lt uint64, outcome string) error
}

type Outcome string

const (
	OutcomeCredited  Outcome = "credited"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoMemo    Outcome = "no_memo"
	OutcomeDust      Outcome = "dust"
	OutcomeSeen      Outcome = "seen"
	OutcomeOversized Outcome = "oversized"
)

type Processor struct {
	ledger       Crediter
	publisher    events.Publisher
	marks        Marks
	tokensPerTON int64
	log          *zap.Logger
}

func NewProcessor(ledger Crediter, publisher events.Publisher, marks Marks, tokensPerTON int64, log *zap.Logger) *Processor {
	return &Processor{ledger: ledger, publisher: publisher, marks: marks, tokensPerTON: tokensPerTON, log: log}
}

// Process credits one deposit. It is safe to call again for the same
// deposit: the ledger reference is derived from the LT, so a replay is
// reported as OutcomeDuplicate without a second credit.
func (p *Processor) Process(ctx context.Context, d ton.Deposit) (Outcome, error) {
	seen, err := p.marks.Seen(ctx, d.LT)
	if err != nil {
		p.log.Warn("processed marker lookup failed, relying on ledger reference", zap.Uint64("lt", d.LT), zap.Error(err))
	} else if seen {
		return OutcomeSeen, nil
	}

	accountID, ok := ParseMemo(d.Comment)
	if !ok {
		p.log.Debug("transfer without top-up memo, skipping",
			zap.Uint64("lt", d.LT),
			zap.String("from", d.From),
			zap.String("memo", d.Comment),
		)
		p.mark(ctx, d.LT, OutcomeNoMemo)
		return OutcomeNoMemo, nil
	}

	tokens, ok := TokensFor(d.AmountNano, p.tokensPerTON)
	if !ok {
		p.log.Error("deposit above the single-credit ceiling, not credited",
			zap.Uint64("lt", d.LT),
			zap.String("account_id", accountID.String()),
			zap.String("amount_nano", d.AmountNano.String()),
			zap.Int64("max_tokens", MaxDepositTokens),
		)
		p.mark(ctx, d.LT, OutcomeOversized)
		return OutcomeOversized, nil
	}
	if tokens <= 0 {
		p.log.Warn("deposit below one token, skipping",
			zap.Uint64("lt", d.LT),
			zap.String("account_id", accountID.String()),
			zap.String("amount_nano", d.AmountNano.String()),
		)
		p.mark(ctx, d.LT, OutcomeDust)
		return OutcomeDust, nil
	}

	ref := ReferenceFor(d.LT)
	note := fmt.Sprintf("ton deposit lt=%d", d.LT)
	acc, err := p.ledger.Add(ctx, accountID, tokens, models.TxKindPurchase, &ref, note)
	if errors.Is(err, services.ErrDuplicateReference) {
		p.mark(ctx, d.LT, OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("credit deposit lt=%d: %w", d.LT, err)
	}
	p.mark(ctx, d.LT, OutcomeCredited)

	if err := p.publisher.Publish(ctx, events.StreamLedger, events.Event{
		Type: events.EventTokensPurchased,
		Payload: map[string]any{
			"account_id":           accountID.String(),
			"tokens":               tokens,
			"balance":              acc.Balance,
			"tx_lt":                d.LT,
			"amount_nano":          d.AmountNano.String(),
			events.PayloadAccounts: []string{accountID.String()},
		},
	}); err != nil {
		p.log.Warn("failed to publish purchase event", zap.Uint64("lt", d.LT), zap.Error(err))
	}

	p.log.Info("deposit credited",
		zap.Uint64("lt", d.LT),
		zap.String("account_id", accountID.String()),
		zap.Int64("tokens", tokens),
		zap.String("from", d.From),
	)
	return OutcomeCredited, nil
}

func (p *Processor) mark(ctx context.Context, lt uint64, o Outcome) {
	if err := p.marks.Mark(ctx, lt, string(o)); err != nil {
		p.log.Warn("failed to store processed marker", zap.Uint64("lt", lt), zap.Error(err))
	}
}

// ParseMemo extracts the account id from a "topup:<uuid>" comment.
func ParseMemo(comment string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(comment), MemoPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSpace(rest))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// TokensFor converts nanoTON into whole tokens, rounding down. ok is false
// when the result exceeds MaxDepositTokens.
func TokensFor(nano *big.Int, tokensPerTON int64) (tokens int64, ok bool) {
	if nano == nil || nano.Sign() <= 0 || tokensPerTON <= 0 {
		return 0, true
	}
	v := new(big.Int).Mul(nano, big.NewInt(tokensPerTON))
	v.Quo(v, big.NewInt(nanoPerTON))
	if v.Cmp(big.NewInt(MaxDepositTokens)) > 0 {
		return 0, false
	}
	return v.Int64(), true
}

// ReferenceFor derives the ledger reference of the deposit at lt.
func ReferenceFor(lt uint64) uuid.UUID {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], lt)
	return uuid.NewSHA1(depositNamespace, b[:])
}

// RedisMarks stores processed markers and the scan cursor in Redis.
type RedisMarks struct {
	rdb *redis.Client
}

const (
	redisCursorLT   = "topup-indexer:cursor:lt"
	redisCursorHash = "topup-indexer:cursor:hash"
	redisProcessed  = "topup-indexer:tx:"
)

func NewRedisMarks(rdb *redis.Client) *RedisMarks {
	return &RedisMarks{rdb: rdb}
}

func (m *RedisMarks) Seen(ctx context.Context, lt uint64) (bool, error) {
	n, err := m.rdb.Exists(ctx, redisProcessed+strconv.FormatUint(lt, 10)).Result()
	return n > 0, err
}

func (m *RedisMarks) Mark(ctx context.Context, lt uint64, outcome string) error {
	return m.rdb.Set(ctx, redisProcessed+strconv.FormatUint(lt, 10), outcome, processedTTL).Err()
}

// Cursor returns the last scanned LT and hash. ok is false on first run.
func (m *RedisMarks) Cursor(ctx context.Context) (lt uint64, hash []byte, ok bool, err error) {
	vals, err := m.rdb.MGet(ctx, redisCursorLT, redisCursorHash).Result()
	if err != nil {
		return 0, nil, false, err
	}
	s, _ := vals[0].(string)
	if s == "" {
		return 0, nil, false, nil
	}
	lt, err = strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, nil, false, fmt.Errorf("parse cursor lt %q: %w", s, err)
	}
	if h, _ := vals[1].(string); h != "" {
		hash, _ = hex.DecodeString(h)
	}
	return lt, hash, true, nil
}

func (m *RedisMarks) SaveCursor(ctx context.Context, lt uint64, hash []byte) error {
	return m.rdb.MSet(ctx, redisCursorLT, strconv.FormatUint(lt, 10), redisCursorHash, hex.EncodeToString(hash)).Err()
}
