package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/config"
	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
	"github.com/dokzlo13/sporewatch/internal/rules"
)

// RulesService wraps the Lua automation runtime. It is inert when no
// script is configured.
type RulesService struct {
	cfg     *config.Config
	Runtime *rules.Runtime
	started bool
}

// NewRulesService creates a new RulesService.
func NewRulesService(cfg *config.Config, store *device.Store, d rules.Dispatcher) *RulesService {
	s := &RulesService{cfg: cfg}
	if cfg.Rules.Script != "" {
		s.Runtime = rules.NewRuntime(rules.NewDeviceModule(store, d))
	}
	return s
}

// Enabled reports whether a script is configured.
func (s *RulesService) Enabled() bool {
	return s.Runtime != nil
}

// LoadScript loads and executes the Lua script.
// Must be called before Start().
func (s *RulesService) LoadScript() error {
	if !s.Enabled() {
		return nil
	}
	return s.Runtime.LoadScript(s.cfg.Rules.Script)
}

// Start subscribes the script hooks and begins the Lua worker goroutine.
func (s *RulesService) Start(ctx context.Context, bus *eventbus.Bus) {
	if !s.Enabled() {
		log.Info().Msg("No rules script configured")
		return
	}
	s.Runtime.Watch(ctx, bus)
	s.started = true
	// Lua worker goroutine - this is the ONLY goroutine that touches Lua
	go s.Runtime.Run(ctx)
}

// Close stops the worker and releases the Lua state.
func (s *RulesService) Close() {
	if !s.Enabled() {
		return
	}
	s.Runtime.Close()
	if s.started {
		s.Runtime.Wait()
	} else {
		s.Runtime.L.Close()
	}
}
