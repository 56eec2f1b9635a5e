package notify

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/incident-chat/chat-service/internal/domain"
	"github.com/weiawesome/incident-chat/chat-service/internal/eventbus"
	"github.com/weiawesome/incident-chat/chat-service/internal/metrics"
	"github.com/weiawesome/incident-chat/pkg/log"
)

// Collaborator names used in logs and metrics.
const (
	CollaboratorEventBus = "event_bus"
	CollaboratorPush     = "push"
	CollaboratorITSM     = "itsm"
)

type job struct {
	collaborator string
	fn           func(ctx context.Context) error
}

type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher runs collaborator calls on a bounded worker pool. Submitting
// never blocks: when the queue is full the job is dropped and logged.
// Failures are logged as CollaboratorFailure and never returned to callers.
type Dispatcher struct {
	bus    eventbus.Bus
	pusher Pusher
	itsm   ITSM

	jobs    chan job
	workers int
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Nil collaborators are skipped.
func NewDispatcher(cfg DispatcherConfig, bus eventbus.Bus, pusher Pusher, itsm ITSM) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		bus:     bus,
		pusher:  pusher,
		itsm:    itsm,
		jobs:    make(chan job, cfg.QueueSize),
		workers: cfg.Workers,
		timeout: cfg.Timeout,
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop refuses new jobs and waits for queued ones to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) PublishEvent(topic string, payload map[string]interface{}) bool {
	if d.bus == nil {
		return false
	}
	return d.Submit(CollaboratorEventBus, func(ctx context.Context) error {
		return d.bus.PublishEvent(ctx, topic, payload)
	})
}

func (d *Dispatcher) SendPush(tokens []string, title, body string) bool {
	if d.pusher == nil || len(tokens) == 0 {
		return false
	}
	return d.Submit(CollaboratorPush, func(ctx context.Context) error {
		return d.pusher.SendPush(ctx, tokens, title, body)
	})
}

func (d *Dispatcher) UpdateTicketTimeline(incidentID, message string) bool {
	if d.itsm == nil {
		return false
	}
	return d.Submit(CollaboratorITSM, func(ctx context.Context) error {
		return d.itsm.UpdateTicketTimeline(ctx, incidentID, message)
	})
}

// Submit queues fn and reports whether it was accepted.
func (d *Dispatcher) Submit(collaborator string, fn func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}

	select {
	case d.jobs <- job{collaborator: collaborator, fn: fn}:
		return true
	default:
		l := log.L()
		l.Warn().Str("collaborator", collaborator).Msg("notification queue full, dropping job")
		metrics.CollaboratorDropped.WithLabelValues(collaborator).Inc()
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	l := log.L()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Str("collaborator", j.collaborator).Msg("collaborator job panicked")
			metrics.CollaboratorFailures.WithLabelValues(j.collaborator).Inc()
		}
	}()

	if err := j.fn(ctx); err != nil {
		l.Error().Err(err).
			Str("collaborator", j.collaborator).
			Str("kind", domain.CollaboratorFailure.String()).
			Msg("collaborator call failed")
		metrics.CollaboratorFailures.WithLabelValues(j.collaborator).Inc()
	}
}
