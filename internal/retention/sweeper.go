// Package retention runs the periodic sweep that moves receipts
// through their lifecycle. A scheduler enqueues one job per storage
// partition; workers ask the external retention-policy collaborator for
// the target state and apply it through the store's narrow retention
// operation. Nothing here can touch receipt content, and a record under
// legal hold is never expired regardless of age.
package retention

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evidentry/evidentry/internal/receipt"
	"github.com/evidentry/evidentry/internal/store"
)

// PolicySource is the external retention-policy collaborator. It
// decides the target state for a record given its tenant, partition
// date, and current state.
type PolicySource interface {
	Evaluate(ctx context.Context, tenantID, eventDate string, current receipt.RetentionState) (receipt.RetentionState, error)
}

// sweepStore is the persistence interface the sweep needs.
type sweepStore interface {
	GetByID(ctx context.Context, receiptID string) (*receipt.Receipt, error)
	Partitions(ctx context.Context) ([]store.Partition, error)
	ListPartition(ctx context.Context, tenantID, eventDate string) ([]*receipt.Receipt, error)
	MarkRetentionState(ctx context.Context, receiptID string, state receipt.RetentionState) error
	SetLegalHold(ctx context.Context, receiptID string, hold bool) error
	PurgeDeadLetters(ctx context.Context, now time.Time) (int, error)
}

// TransitionLogger receives every applied retention transition so the
// change lands in the audit trail.
type TransitionLogger func(ctx context.Context, r *receipt.Receipt, from, to receipt.RetentionState)

// Config tunes the sweeper.
type Config struct {
	Interval      time.Duration
	Workers       int
	PolicyTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.PolicyTimeout == 0 {
		c.PolicyTimeout = 5 * time.Second
	}
}

// Sweeper schedules and applies retention transitions.
type Sweeper struct {
	store        sweepStore
	policy       PolicySource
	onTransition TransitionLogger // nil = transitions logged only via zap
	cfg          Config
	logger       *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Sweeper.
func New(st sweepStore, policy PolicySource, cfg Config, logger *zap.Logger) *Sweeper {
	cfg.defaults()
	return &Sweeper{
		store:  st,
		policy: policy,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetTransitionLogger configures the audit callback invoked for every
// applied transition.
func (s *Sweeper) SetTransitionLogger(fn TransitionLogger) {
	s.onTransition = fn
}

// Start launches the periodic sweep loop. Call Stop to end it.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
				if err := s.Sweep(ctx); err != nil {
					s.logger.Warn("retention sweep error", zap.Error(err))
				}
				cancel()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Sweep runs one full pass: every partition is scanned by a worker pool
// and expired dead letters are purged. It can also be triggered
// directly, e.g. on a policy-change notification.
func (s *Sweeper) Sweep(ctx context.Context) error {
	partitions, err := s.store.Partitions(ctx)
	if err != nil {
		return err
	}

	jobs := make(chan store.Partition)
	var wg sync.WaitGroup
	for range s.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for part := range jobs {
				s.sweepPartition(ctx, part)
			}
		}()
	}
	for _, part := range partitions {
		select {
		case jobs <- part:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	if purged, err := s.store.PurgeDeadLetters(ctx, time.Now().UTC()); err != nil {
		s.logger.Warn("dead letter purge error", zap.Error(err))
	} else if purged > 0 {
		s.logger.Info("dead letters purged", zap.Int("count", purged))
	}
	return ctx.Err()
}

// sweepPartition evaluates and applies transitions for one partition.
// Workers share no mutable scan state; each owns its partition
// entirely.
func (s *Sweeper) sweepPartition(ctx context.Context, part store.Partition) {
	records, err := s.store.ListPartition(ctx, part.TenantID, part.EventDate)
	if err != nil {
		s.logger.Warn("partition scan failed",
			zap.String("tenant_id", part.TenantID),
			zap.String("event_date", part.EventDate),
			zap.Error(err),
		)
		return
	}

	for _, r := range records {
		if ctx.Err() != nil {
			return
		}

		pctx, cancel := context.WithTimeout(ctx, s.cfg.PolicyTimeout)
		target, err := s.policy.Evaluate(pctx, r.TenantID, r.EventDate, r.RetentionState)
		cancel()
		if err != nil {
			// Fail closed: no policy answer, no transition.
			s.logger.Warn("retention policy evaluation failed",
				zap.String("receipt_id", r.ReceiptID), zap.Error(err))
			continue
		}
		if target == r.RetentionState {
			continue
		}
		// Legal hold always wins over expiry.
		if r.LegalHold && target == receipt.RetentionExpired {
			continue
		}

		if err := s.store.MarkRetentionState(ctx, r.ReceiptID, target); err != nil {
			s.logger.Warn("retention transition failed",
				zap.String("receipt_id", r.ReceiptID), zap.Error(err))
			continue
		}
		s.logger.Info("retention transition applied",
			zap.String("receipt_id", r.ReceiptID),
			zap.String("from", string(r.RetentionState)),
			zap.String("to", string(target)),
		)
		if s.onTransition != nil {
			s.onTransition(ctx, r, r.RetentionState, target)
		}
	}
}

// ApplyLegalHold sets or clears a receipt's legal hold. This is the
// only write path for the flag; like every other lifecycle change it
// is applied here, never by ingestion.
func (s *Sweeper) ApplyLegalHold(ctx context.Context, receiptID string, hold bool) error {
	r, err := s.store.GetByID(ctx, receiptID)
	if err != nil {
		return err
	}
	if r.LegalHold == hold {
		return nil
	}
	if err := s.store.SetLegalHold(ctx, receiptID, hold); err != nil {
		return err
	}
	s.logger.Info("legal hold updated",
		zap.String("receipt_id", receiptID),
		zap.Bool("hold", hold),
	)
	return nil
}

// AgePolicy is a simple built-in PolicySource: receipts archive after
// ArchiveAfter and expire after ExpireAfter, measured from the
// partition date. Production deployments swap in a client for the
// organization's policy service instead.
type AgePolicy struct {
	ArchiveAfter time.Duration
	ExpireAfter  time.Duration
}

// Evaluate implements PolicySource.
func (p AgePolicy) Evaluate(_ context.Context, _, eventDate string, current receipt.RetentionState) (receipt.RetentionState, error) {
	day, err := time.Parse("2006-01-02", eventDate)
	if err != nil {
		return current, err
	}
	age := time.Since(day)
	switch {
	case p.ExpireAfter > 0 && age > p.ExpireAfter:
		return receipt.RetentionExpired, nil
	case p.ArchiveAfter > 0 && age > p.ArchiveAfter:
		return receipt.RetentionArchived, nil
	}
	return receipt.RetentionActive, nil
}
