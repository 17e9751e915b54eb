package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/config"
	"github.com/dokzlo13/sporewatch/internal/remote"
	"github.com/dokzlo13/sporewatch/internal/rtdb"
	"github.com/dokzlo13/sporewatch/internal/simulator"
)

// RemoteService owns the connection to the realtime store: either the
// network database or, in simulate mode, an in-memory store driven by the
// simulator.
type RemoteService struct {
	cfg *config.Config

	Client    *rtdb.Client
	Memory    *remote.Memory
	Simulator *simulator.Simulator

	mu      sync.Mutex
	onFatal func(error)
	wg      sync.WaitGroup
}

// NewRemoteService creates the store client. Nothing is connected until
// something subscribes.
func NewRemoteService(cfg *config.Config) (*RemoteService, error) {
	s := &RemoteService{cfg: cfg}

	if cfg.Store.Simulate {
		s.Memory = remote.NewMemory()
		s.Simulator = simulator.New(s.Memory, simulator.Options{
			Slots:       slotsFromConfig(cfg),
			HomeSlot:    cfg.Device.HomeSlot,
			MoveTransit: cfg.Commands.MoveTransit.Duration(),
			HomeTransit: cfg.Commands.HomeTransit.Duration(),
			ReadDelay:   cfg.Commands.SensorRead.Duration() / 2,
			Interval:    cfg.Store.SimulateInterval.Duration(),
			Backfill:    cfg.Device.ChartPoints * 2,
		})
		return s, nil
	}

	client, err := rtdb.New(rtdb.Config{
		URL:           cfg.Store.URL,
		Auth:          cfg.Store.Auth,
		Timeout:       cfg.Store.Timeout.Duration(),
		MinBackoff:    cfg.Store.MinRetryBackoff.Duration(),
		MaxBackoff:    cfg.Store.MaxRetryBackoff.Duration(),
		Multiplier:    cfg.Store.RetryMultiplier,
		MaxReconnects: cfg.Store.MaxReconnects,
		OnFatal:       s.fatal,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}
	s.Client = client
	return s, nil
}

// Store returns the store the device state subscribes to and commands
// write to.
func (s *RemoteService) Store() remote.Store {
	if s.Memory != nil {
		return s.Memory
	}
	return s.Client
}

// Start seeds and runs the simulator in simulate mode. onFatalError is
// called when a stream gives up reconnecting.
func (s *RemoteService) Start(ctx context.Context, onFatalError func(error)) error {
	s.mu.Lock()
	s.onFatal = onFatalError
	s.mu.Unlock()

	if s.Simulator == nil {
		log.Info().Str("url", s.cfg.Store.URL).Msg("Using realtime store")
		return nil
	}

	log.Warn().Msg("Simulate mode: running against an in-memory apparatus")
	if err := s.Simulator.Seed(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Simulator.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Simulator error")
			s.fatal(err)
		}
	}()
	return nil
}

func (s *RemoteService) fatal(err error) {
	s.mu.Lock()
	fn := s.onFatal
	s.mu.Unlock()

	log.Error().Err(err).Msg("Realtime store stream gave up")
	if fn != nil {
		fn(err)
	}
}

// Close stops every stream. The simulator stops with the start context.
func (s *RemoteService) Close() {
	s.wg.Wait()
	if s.Client != nil {
		s.Client.Close()
	}
	if s.Memory != nil {
		s.Memory.Close()
	}
}
