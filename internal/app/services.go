package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/clock"
	"github.com/dokzlo13/sporewatch/internal/command"
	"github.com/dokzlo13/sporewatch/internal/config"
	"github.com/dokzlo13/sporewatch/internal/db"
	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
	"github.com/dokzlo13/sporewatch/internal/ledger"
	"github.com/dokzlo13/sporewatch/internal/storage"
)

// persistInterval is the minimum gap between two saves of the device seed.
const persistInterval = 2 * time.Second

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB        *db.DB
	Ledger    *ledger.Ledger
	State     *storage.Store
	Persister *storage.Persister
	Bus       *eventbus.Bus

	// Device sync core
	Remote     *RemoteService
	Device     *device.Store
	Dispatcher *command.Dispatcher

	// High-level services
	Rules   *RulesService
	Bridge  *BridgeService
	Cleanup *LedgerService

	reader  *device.Reader
	persist sync.WaitGroup
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.State = storage.NewStore(database.DB)
	s.Persister = storage.NewPersister(s.State, persistInterval)
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	s.Remote, err = NewRemoteService(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	seed, err := s.Persister.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to restore last-known device state, starting fresh")
		seed = nil
	}

	s.Device = device.New(s.Remote.Store(), device.Options{
		HistoryCapacity: cfg.Device.HistoryCapacity,
		FreshnessWindow: cfg.Device.FreshnessWindow.Duration(),
		ChartPoints:     cfg.Device.ChartPoints,
		HomeSlot:        cfg.Device.HomeSlot,
		Slots:           slotsFromConfig(cfg),
		Clock:           clock.Real(),
		Bus:             s.Bus,
		Seed:            seed,
	})

	s.Dispatcher = command.New(s.Device, s.Remote.Store(), command.Options{
		Timings: command.Timings{
			MoveTransit:  cfg.Commands.MoveTransit.Duration(),
			HomeTransit:  cfg.Commands.HomeTransit.Duration(),
			SensorRead:   cfg.Commands.SensorRead.Duration(),
			LightSettle:  cfg.Commands.LightSettle.Duration(),
			ModelSettle:  cfg.Commands.ModelSettle.Duration(),
			WriteTimeout: cfg.Commands.WriteTimeout.Duration(),
		},
		RateLimit: cfg.Commands.RateLimitRPS,
		Burst:     cfg.Commands.Burst,
		Bus:       s.Bus,
	})

	s.Rules = NewRulesService(cfg, s.Device, s.Dispatcher)
	s.Bridge = NewBridgeService(cfg, s.Device, s.Dispatcher, s.Bus, s.Ledger)
	s.Cleanup = NewLedgerService(cfg, s.Ledger)

	return s, nil
}

// slotsFromConfig converts the configured default layout.
func slotsFromConfig(cfg *config.Config) []actuator.Slot {
	slots := make([]actuator.Slot, 0, len(cfg.Device.Slots))
	for _, sc := range cfg.Device.Slots {
		label := sc.Label
		if label == "" {
			label = fmt.Sprintf("Plot %d", sc.ID)
		}
		slots = append(slots, actuator.Slot{ID: sc.ID, Label: label, Active: sc.Active})
	}
	return slots
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Bus consumers first so no early event is missed
	s.Ledger.Record(s.Bus)
	s.Persister.Watch(s.Bus)

	// Load Lua script before starting worker
	if err := s.Rules.LoadScript(); err != nil {
		return err
	}
	s.Rules.Start(ctx, s.Bus)

	if err := s.Remote.Start(ctx, onFatalError); err != nil {
		return err
	}

	// The daemon itself holds every channel for its lifetime
	reader, err := s.Device.Attach()
	if err != nil {
		return fmt.Errorf("failed to attach device channels: %w", err)
	}
	s.reader = reader

	s.persist.Add(1)
	go func() {
		defer s.persist.Done()
		s.Persister.Run(ctx, s.Device)
	}()

	s.Cleanup.Start(ctx)
	s.Bridge.Start(ctx, onFatalError)

	return nil
}

// ClearState forgets the persisted last-known device state.
func (s *Services) ClearState() error {
	return s.Persister.Clear()
}

// Stop gracefully stops all services. The start context must already be
// cancelled.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.reader != nil {
		s.reader.Detach()
	}
	if s.Rules != nil {
		s.Rules.Close()
	}
	if s.Dispatcher != nil {
		s.Dispatcher.Close()
	}
	if s.Device != nil {
		s.Device.Close()
	}
	// Final seed flush needs the database
	s.persist.Wait()
	if s.Remote != nil {
		s.Remote.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
