package config

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadEconomicsFromEnv(t *testing.T) {
	t.Setenv("DIRECT_CONTACT_COST", "250")
	t.Setenv("PROPOSAL_INITIATOR_COST", "120")
	t.Setenv("PROPOSAL_RECIPIENT_COST", "80")
	t.Setenv("STARTING_GRANT", "500")
	t.Setenv("PROPOSAL_TTL_HOURS", "48")

	cfg := Load()

	if cfg.DirectContactCost != 250 {
		t.Errorf("DirectContactCost = %d, want 250", cfg.DirectContactCost)
	}
	if cfg.ProposalInitiatorCost != 120 || cfg.ProposalRecipientCost != 80 {
		t.Errorf("proposal costs = %d/%d, want 120/80", cfg.ProposalInitiatorCost, cfg.ProposalRecipientCost)
	}
	if cfg.StartingGrant != 500 {
		t.Errorf("StartingGrant = %d, want 500", cfg.StartingGrant)
	}
	if cfg.ProposalTTL != 48*time.Hour {
		t.Errorf("ProposalTTL = %v, want 48h", cfg.ProposalTTL)
	}
}

func TestLoadFallsBackOnGarbage(t *testing.T) {
	t.Setenv("DIRECT_CONTACT_COST", "lots")
	t.Setenv("SWEEP_BATCH_SIZE", "")

	cfg := Load()

	if cfg.DirectContactCost != 200 {
		t.Errorf("DirectContactCost = %d, want default 200", cfg.DirectContactCost)
	}
	if cfg.SweepBatchSize != 100 {
		t.Errorf("SweepBatchSize = %d, want default 100", cfg.SweepBatchSize)
	}
}

func TestCheckEconomics(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero direct cost", func(c *Config) { c.DirectContactCost = 0 }, true},
		{"negative recipient cost", func(c *Config) { c.ProposalRecipientCost = -1 }, true},
		{"negative grant", func(c *Config) { c.StartingGrant = -10 }, true},
		{"zero grant allowed", func(c *Config) { c.StartingGrant = 0 }, false},
		{"zero ttl", func(c *Config) { c.ProposalTTL = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.CheckEconomics()
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckEconomics() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRepairsIntervals(t *testing.T) {
	cfg := Default()
	cfg.SweepInterval = 0
	cfg.LedgerAuditInterval = -time.Minute
	cfg.TxMaxAttempts = 0

	cfg.Validate(zap.NewNop())

	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want 1m", cfg.SweepInterval)
	}
	if cfg.LedgerAuditInterval != time.Hour {
		t.Errorf("LedgerAuditInterval = %v, want 1h", cfg.LedgerAuditInterval)
	}
	if cfg.TxMaxAttempts != 1 {
		t.Errorf("TxMaxAttempts = %d, want 1", cfg.TxMaxAttempts)
	}
}
