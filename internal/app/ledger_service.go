package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/config"
	"github.com/dokzlo13/sporewatch/internal/ledger"
)

// LedgerService prunes old command ledger entries.
type LedgerService struct {
	cfg    *config.Config
	ledger *ledger.Ledger
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(cfg *config.Config, l *ledger.Ledger) *LedgerService {
	return &LedgerService{cfg: cfg, ledger: l}
}

// Start prunes once and then on every cleanup interval.
func (s *LedgerService) Start(ctx context.Context) {
	go s.runLedgerCleanup(ctx)
}

func (s *LedgerService) retention() time.Duration {
	return time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *LedgerService) runLedgerCleanup(ctx context.Context) {
	s.cleanup()

	ticker := time.NewTicker(s.cfg.Ledger.CleanupInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *LedgerService) cleanup() {
	retention := s.retention()
	deleted, err := s.ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}
