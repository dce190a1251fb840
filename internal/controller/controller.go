// Package controller drives a harvesting run over an ordered list of
// entities, skipping finished work and stopping on systemic failure.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/logging"
	"github.com/JakeFAU/contact-harvester/internal/metrics"
)

// MaxConsecutiveFailures trips the circuit breaker.
const MaxConsecutiveFailures = 3

// ErrTooManyFailures is returned when MaxConsecutiveFailures entities in a row
// fail with unexpected errors.
var ErrTooManyFailures = errors.New("too many consecutive failures")

// Config bounds a run.
type Config struct {
	RunID string
	// MaxProfilesPerRun stops the run once this many contacts were harvested; 0 disables the cap.
	MaxProfilesPerRun int
	// VerifyEvery re-checks egress after this many contacts; 0 checks only at start.
	VerifyEvery int
}

// State is the lifecycle phase reported by Status.
type State string

// Run states.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Summary counts what a run did. It doubles as the live status.
type Summary struct {
	RunID     string    `json:"run_id"`
	State     State     `json:"state"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Current   string    `json:"current,omitempty"`
	Done      int       `json:"done"`
	Unmatched int       `json:"unmatched"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Contacts  int       `json:"contacts"`
	Capped    bool      `json:"capped"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Controller runs entities through a Searcher and records them in a Ledger.
type Controller struct {
	searcher harvest.Searcher
	ledger   harvest.Ledger
	egress   harvest.EgressVerifier
	cfg      Config
	logger   *zap.Logger

	mu     sync.RWMutex
	status Summary
}

// New builds a Controller. egress may be nil to skip verification.
func New(searcher harvest.Searcher, ledger harvest.Ledger, egress harvest.EgressVerifier, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RunID == "" {
		cfg.RunID = logging.NewRunID()
	}
	return &Controller{
		searcher: searcher,
		ledger:   ledger,
		egress:   egress,
		cfg:      cfg,
		logger:   logging.WithRun(logger, cfg.RunID),
		status:   Summary{RunID: cfg.RunID, State: StateIdle},
	}
}

// Status returns a snapshot of the run so far.
func (c *Controller) Status() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Controller) update(fn func(s *Summary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

// Run processes entities in order. It returns nil when the input is exhausted
// or the contact cap is reached, ErrTooManyFailures when the circuit breaker
// trips, a *harvest.FatalError when egress cannot be verified, and the
// context error when cancelled between entities.
func (c *Controller) Run(ctx context.Context, entities []harvest.Entity) (summary Summary, err error) {
	c.update(func(s *Summary) {
		s.State = StateRunning
		s.Total = len(entities)
		s.StartedAt = time.Now()
	})
	defer func() {
		c.update(func(s *Summary) {
			s.Current = ""
			s.EndedAt = time.Now()
			s.State = StateFinished
			if err != nil {
				s.State = StateFailed
				s.Error = err.Error()
			}
		})
		summary = c.Status()
	}()

	if err := c.verifyEgress(ctx); err != nil {
		return Summary{}, err
	}

	failures := 0
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		if c.ledger.IsDone(entity.ID) || c.ledger.IsUnmatched(entity.ID) {
			c.logger.Debug("skipping finished entity", logging.Entity(entity.ID, entity.Name)...)
			metrics.ObserveEntity(harvest.OutcomeSkipped.String())
			c.update(func(s *Summary) { s.Skipped++; s.Processed++ })
			continue
		}
		if c.capReached() {
			c.update(func(s *Summary) { s.Capped = true })
			c.logger.Info("contact cap reached, stopping", zap.Int("cap", c.cfg.MaxProfilesPerRun))
			return Summary{}, nil
		}

		c.update(func(s *Summary) { s.Current = entity.Name })
		start := time.Now()
		outcome, contacts, perr := c.process(ctx, entity)
		if outcome == harvest.OutcomeNoViableMatch {
			if merr := c.ledger.MarkUnmatched(ctx, entity); merr != nil {
				outcome, perr = harvest.OutcomeTransient, fmt.Errorf("record unmatched: %w", merr)
			}
		}
		if outcome == harvest.OutcomeTransient && ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}

		metrics.ObserveEntity(outcome.String())
		fields := append(logging.Entity(entity.ID, entity.Name),
			zap.String("outcome", outcome.String()),
			zap.Int("contacts", contacts),
			zap.Duration("elapsed", time.Since(start)),
		)
		switch outcome {
		case harvest.OutcomeDone:
			failures = 0
			c.update(func(s *Summary) { s.Done++; s.Processed++ })
			c.logger.Info("entity harvested", fields...)
		case harvest.OutcomeNoViableMatch:
			failures = 0
			c.update(func(s *Summary) { s.Unmatched++; s.Processed++ })
			c.logger.Info("entity unmatched", append(fields, zap.Error(perr))...)
		case harvest.OutcomeCapped:
			c.update(func(s *Summary) { s.Capped = true })
			c.logger.Info("contact cap reached mid-entity, stopping", append(fields, zap.Int("cap", c.cfg.MaxProfilesPerRun))...)
			return Summary{}, nil
		case harvest.OutcomeFatal:
			c.logger.Error("fatal error, halting run", append(fields, zap.Error(perr))...)
			return Summary{}, perr
		default:
			failures++
			c.update(func(s *Summary) { s.Failed++; s.Processed++ })
			c.logger.Error("entity failed", append(fields, zap.Int("consecutive_failures", failures), zap.Error(perr))...)
			if failures >= MaxConsecutiveFailures {
				return Summary{}, fmt.Errorf("%w: last error: %w", ErrTooManyFailures, perr)
			}
		}
	}
	return Summary{}, nil
}

// process searches for and harvests one entity, recording every contact as it
// arrives. It returns the outcome and how many contacts it recorded.
func (c *Controller) process(ctx context.Context, entity harvest.Entity) (harvest.Outcome, int, error) {
	if err := c.searcher.LocateAndSelect(ctx, entity.Name); err != nil {
		return harvest.Classify(err), 0, err
	}
	recorded := 0
	for contact, err := range c.searcher.Harvest(ctx, entity.Name) {
		if err != nil {
			return harvest.Classify(err), recorded, err
		}
		added, err := c.ledger.RecordContact(ctx, entity, contact)
		if err != nil {
			return harvest.OutcomeTransient, recorded, fmt.Errorf("record contact: %w", err)
		}
		if !added {
			continue
		}
		recorded++
		total := 0
		c.update(func(s *Summary) { s.Contacts++; total = s.Contacts })
		if c.cfg.VerifyEvery > 0 && total%c.cfg.VerifyEvery == 0 {
			if err := c.verifyEgress(ctx); err != nil {
				return harvest.OutcomeFatal, recorded, err
			}
		}
		if c.capReached() {
			return harvest.OutcomeCapped, recorded, nil
		}
	}
	if err := c.ledger.FinalizeEntity(ctx, entity); err != nil {
		return harvest.OutcomeTransient, recorded, fmt.Errorf("finalize: %w", err)
	}
	return harvest.OutcomeDone, recorded, nil
}

func (c *Controller) capReached() bool {
	return c.cfg.MaxProfilesPerRun > 0 && c.Status().Contacts >= c.cfg.MaxProfilesPerRun
}

func (c *Controller) verifyEgress(ctx context.Context) error {
	if c.egress == nil {
		return nil
	}
	status, err := c.egress.Verify(ctx)
	if err != nil {
		return harvest.Fatal("verify egress", err)
	}
	if !status.OK {
		return harvest.Fatal("verify egress", fmt.Errorf("unexpected egress ip %s", status.IP))
	}
	return nil
}
