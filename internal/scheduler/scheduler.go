// Package scheduler provides durable named wake timers. Timers are keyed by
// name (scheduling a name replaces any prior timer with that name), persisted
// across restarts, and delivered at-least-once to a registered handler.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcpconnect/mcpconnect-go/internal/storage"
)

// Handler receives a fired timer. The handler is responsible for re-checking
// whether the work is still needed: delivery is at-least-once and a wake can
// arrive late after a restart.
type Handler func(name, payload string)

// Scheduler manages durable wake timers.
type Scheduler struct {
	store   *storage.BoltDB
	logger  *zap.Logger
	handler Handler

	mu      sync.Mutex
	timers  map[string]*time.Timer
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler backed by the given store. The handler is invoked
// on its own goroutine whenever a timer fires.
func New(store *storage.BoltDB, logger *zap.Logger, handler Handler) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   store,
		logger:  logger.Named("scheduler"),
		handler: handler,
		timers:  make(map[string]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start rehydrates persisted timers. Timers whose fire time already passed
// while the process was down fire immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.started = true

	records, err := s.store.ListWakeTimers()
	if err != nil {
		return err
	}

	for _, rec := range records {
		s.armLocked(rec.Name, rec.Payload, rec.FireAt)
		s.logger.Debug("Rehydrated wake timer",
			zap.String("name", rec.Name),
			zap.Time("fire_at", rec.FireAt))
	}

	s.logger.Info("Scheduler started", zap.Int("timers", len(records)))
	return nil
}

// Schedule arms a durable timer that fires at the given absolute time,
// replacing any existing timer with the same name.
func (s *Scheduler) Schedule(name string, fireAt time.Time, payload string) error {
	rec := &storage.WakeTimerRecord{
		Name:    name,
		FireAt:  fireAt,
		Payload: payload,
		Created: time.Now(),
	}
	if err := s.store.SaveWakeTimer(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.armLocked(name, payload, fireAt)

	s.logger.Debug("Scheduled wake timer",
		zap.String("name", name),
		zap.Time("fire_at", fireAt))
	return nil
}

// Cancel removes a timer by name. Cancelling an unknown name is a no-op.
func (s *Scheduler) Cancel(name string) error {
	s.mu.Lock()
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()

	return s.store.DeleteWakeTimer(name)
}

// Stop halts all in-memory timers. Persisted records are kept so timers
// rehydrate on the next Start.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	s.started = false
}

func (s *Scheduler) armLocked(name, payload string, fireAt time.Time) {
	if prev, ok := s.timers[name]; ok {
		prev.Stop()
	}
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		s.fire(name, payload, fireAt)
	})
}

func (s *Scheduler) fire(name, payload string, fireAt time.Time) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	s.mu.Lock()
	delete(s.timers, name)
	s.mu.Unlock()

	// The persisted record is removed only after the handler runs, so a
	// crash mid-delivery re-fires on restart. The delete compares fire times:
	// a handler that rescheduled the same name replaced the record, and that
	// replacement must stay durable.
	s.handler(name, payload)

	if err := s.store.DeleteWakeTimerIfUnchanged(name, fireAt); err != nil {
		s.logger.Warn("Failed to delete fired wake timer",
			zap.String("name", name), zap.Error(err))
	}
}
