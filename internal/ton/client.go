// Package ton reads incoming transfers to the hot wallet from a TON lite server.
package ton

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/contact-unlock/backend/internal/config"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	tonapi "github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

const txBatchSize = 100

// Deposit is a non-bounced incoming transfer with a positive amount.
type Deposit struct {
	LT         uint64
	Hash       []byte
	From       string
	AmountNano *big.Int
	Comment    string
}

// Connect establishes a connection to the TON network.
// If LITE_SERVER_HOST + LITE_SERVER_KEY are set, connects to a specific lite server.
// Otherwise, auto-discovers lite servers from the global TON config based on TON_NETWORK.
func Connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (tonapi.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := "https://ton.org/testnet-global.config.json"
		if strings.ToLower(cfg.TONNetwork) == "mainnet" {
			configURL = "https://ton.org/global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.TONNetwork))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := tonapi.ProofCheckPolicyFast
	if strings.ToLower(cfg.TONNetwork) == "mainnet" {
		proofPolicy = tonapi.ProofCheckPolicySecure
	}

	return tonapi.NewAPIClient(client, proofPolicy).WithRetry(), nil
}

// Head returns the wallet's latest transaction LT and hash. An inactive
// wallet reports LT 0.
func Head(ctx context.Context, api tonapi.APIClientWrapped, addr *address.Address) (uint64, []byte, error) {
	block, err := api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("get master block: %w", err)
	}
	account, err := api.GetAccount(ctx, block, addr)
	if err != nil {
		return 0, nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil || !account.IsActive {
		return 0, nil, nil
	}
	return account.LastTxLT, account.LastTxHash, nil
}

// FetchDeposits pages backwards from the head (lt, hash) down to cursorLT
// and returns the deposits found, oldest first.
func FetchDeposits(ctx context.Context, api tonapi.APIClientWrapped, addr *address.Address, lt uint64, hash []byte, cursorLT uint64) ([]Deposit, error) {
	var all []*tlb.Transaction

	for lt > cursorLT {
		txs, err := api.ListTransactions(ctx, addr, uint32(txBatchSize), lt, hash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		reachedCursor := false
		for _, tx := range txs {
			if tx.LT <= cursorLT {
				reachedCursor = true
				continue
			}
			all = append(all, tx)
		}
		if reachedCursor || len(txs) < txBatchSize {
			break
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt, hash = oldest.PrevTxLT, oldest.PrevTxHash
	}

	sort.Slice(all, func(i, j int) bool { return all[i].LT < all[j].LT })

	deposits := make([]Deposit, 0, len(all))
	for _, tx := range all {
		if d, ok := depositFrom(tx); ok {
			deposits = append(deposits, d)
		}
	}
	return deposits, nil
}

func depositFrom(tx *tlb.Transaction) (Deposit, bool) {
	if tx.IO.In == nil {
		return Deposit{}, false
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil || inMsg.Bounced {
		return Deposit{}, false
	}
	amount := inMsg.Amount.Nano()
	if amount.Sign() <= 0 {
		return Deposit{}, false
	}
	from := ""
	if inMsg.SrcAddr != nil {
		from = inMsg.SrcAddr.String()
	}
	return Deposit{
		LT:         tx.LT,
		Hash:       tx.Hash,
		From:       from,
		AmountNano: amount,
		Comment:    extractComment(inMsg),
	}, true
}

// extractComment parses a text comment from an InternalMessage body.
// TON text comments have opcode 0x00000000 followed by UTF-8 text.
func extractComment(inMsg *tlb.InternalMessage) string {
	body := inMsg.Body
	if body == nil {
		return ""
	}

	slice := body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}

	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}

	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}

	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}
