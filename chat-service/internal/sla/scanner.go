package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/weiawesome/incident-chat/pkg/log"
)

// Scanner periodically runs CheckAllViolations, either on a fixed interval
// or on a cron schedule.
type Scanner struct {
	checker  *Checker
	interval time.Duration
	schedule string
	quit     chan struct{}
	doneCh   chan struct{}
}

// NewScanner creates a scanner. A non-empty schedule must be a valid cron
// expression and takes precedence over interval.
func NewScanner(checker *Checker, interval time.Duration, schedule string) (*Scanner, error) {
	if schedule != "" && !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid SLA schedule: %s", schedule)
	}
	return &Scanner{
		checker:  checker,
		interval: interval,
		schedule: schedule,
		quit:     make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the scanner in a background goroutine.
func (s *Scanner) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the scanner to stop and returns immediately.
// Call Done() to wait for it to exit.
func (s *Scanner) Stop() {
	close(s.quit)
}

// Done returns a channel that is closed when the scanner has fully stopped.
func (s *Scanner) Done() <-chan struct{} {
	return s.doneCh
}

func (s *Scanner) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		wait := s.nextWait(time.Now().UTC())
		timer := time.NewTimer(wait)
		select {
		case <-s.quit:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) nextWait(now time.Time) time.Duration {
	if s.schedule != "" {
		next, err := gronx.NextTickAfter(s.schedule, now, false)
		if err == nil {
			return next.Sub(now)
		}
		l := log.L()
		l.Error().Err(err).Str("schedule", s.schedule).Msg("sla scanner: failed to compute next tick")
	}
	if s.interval <= 0 {
		return 5 * time.Minute
	}
	return s.interval
}

func (s *Scanner) scan(ctx context.Context) {
	l := log.L()
	l.Info().Msg("sla scanner: starting SLA check")

	report, err := s.checker.CheckAllViolations(ctx)
	if err != nil {
		l.Error().Err(err).Msg("sla scanner: check failed")
		return
	}

	l.Info().Int("violations", len(report.Violations)).Int("warnings", len(report.Warnings)).
		Msg("sla scanner: SLA check complete")
}
