package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/bridge"
	"github.com/dokzlo13/sporewatch/internal/config"
	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
	"github.com/dokzlo13/sporewatch/internal/ledger"
)

// BridgeService runs the HTTP/WebSocket bridge if enabled.
type BridgeService struct {
	cfg    *config.Config
	Server *bridge.Server
}

// NewBridgeService creates a new BridgeService.
func NewBridgeService(cfg *config.Config, store *device.Store, d bridge.Dispatcher, bus *eventbus.Bus, l *ledger.Ledger) *BridgeService {
	s := &BridgeService{cfg: cfg}
	if cfg.Bridge.Enabled {
		s.Server = bridge.New(store, d, bridge.Options{
			Addr:            cfg.Bridge.Addr(),
			WaitTimeout:     cfg.Commands.WriteTimeout.Duration(),
			ShutdownTimeout: cfg.ShutdownTimeout.Duration(),
			Bus:             bus,
			History:         l,
		})
	}
	return s
}

// Start begins the bridge server if enabled. A listen failure is fatal.
func (s *BridgeService) Start(ctx context.Context, onFatalError func(error)) {
	if s.Server == nil {
		log.Info().Msg("Bridge is disabled")
		return
	}

	go func() {
		if err := s.Server.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Bridge server error")
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()
}
