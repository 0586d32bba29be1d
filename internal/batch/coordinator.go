// Package batch runs the single-entity pipeline over many entities with a
// bounded worker pool, progress checkpoints and a dead-letter queue.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/monitoring"
	"github.com/sells-group/enrichment-engine/internal/resilience"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// Concurrency bounds.
const (
	DefaultConcurrency = 12
	MaxConcurrency     = 64
)

// ErrSkipped is returned by an EntityFunc that had nothing to do for an
// entity. It is counted as processed and skipped, not failed.
var ErrSkipped = eris.New("entity skipped")

// EntityFunc runs the pipeline for one entity.
type EntityFunc func(ctx context.Context, ref model.EntityRef, dryRun bool) error

// Options controls one batch run.
type Options struct {
	BatchID string
	// Concurrency is the worker count, clamped to 1..64. Zero uses the
	// coordinator default.
	Concurrency int
	// Skip resumes a run: the first Skip refs are not processed.
	Skip int
	// CheckpointEvery writes a checkpoint after this many completions.
	CheckpointEvery int
	// DryRun computes results without persisting anything.
	DryRun bool
}

// Config holds coordinator defaults.
type Config struct {
	Concurrency        int           `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=0,lte=64"`
	CheckpointEvery    int           `yaml:"checkpoint_every" mapstructure:"checkpoint_every" validate:"gte=0"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	DeadLetter         bool          `yaml:"dead_letter" mapstructure:"dead_letter"`
	MaxRetries         int           `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// DefaultConfig returns the batch defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        DefaultConcurrency,
		CheckpointEvery:    50,
		CheckpointInterval: 30 * time.Second,
		DeadLetter:         true,
		MaxRetries:         3,
		RetryBackoff:       5 * time.Minute,
	}
}

// Coordinator runs batches.
type Coordinator struct {
	process EntityFunc
	store   store.Store
	cfg     Config
	metrics *monitoring.Metrics
	now     func() time.Time
	log     *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore persists checkpoints and dead letters.
func WithStore(st store.Store) Option {
	return func(c *Coordinator) {
		c.store = st
	}
}

// WithMetrics records per-entity outcomes.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a Coordinator that runs process for each entity.
func New(process EntityFunc, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		process: process,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		log:     zap.L().With(zap.String("component", "batch")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClampConcurrency bounds n to 1..MaxConcurrency; zero or less becomes
// def (or DefaultConcurrency when def is unset).
func ClampConcurrency(n, def int) int {
	if n <= 0 {
		n = def
	}
	if n <= 0 {
		n = DefaultConcurrency
	}
	return max(1, min(n, MaxConcurrency))
}

// isConfigError reports whether err means no entity can succeed.
func isConfigError(err error) bool {
	return errors.Is(err, model.ErrNoProviders)
}

// run tracks progress for one batch.
type run struct {
	mu        sync.Mutex
	report    model.BatchReport
	errIdx    map[string]int
	done      []bool
	next      int
	sinceSave int
	ws        string
}

func (r *run) finish(i int, ref model.EntityRef, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Processed++
	switch {
	case err == nil:
		r.report.Succeeded++
	case errors.Is(err, ErrSkipped):
		r.report.Skipped++
	default:
		r.report.Failed++
		r.report.Errors = append(r.report.Errors, model.EntityError{EntityID: ref.ID, Error: err.Error()})
		r.errIdx[ref.ID] = i
	}
	r.done[i] = true
	for r.next < len(r.done) && r.done[r.next] {
		r.next++
	}
	r.sinceSave++
}

func (r *run) checkpoint(batchID string, offset int, now time.Time) model.BatchCheckpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinceSave = 0
	return model.BatchCheckpoint{
		BatchID:     batchID,
		WorkspaceID: r.ws,
		Processed:   r.report.Processed,
		Succeeded:   r.report.Succeeded,
		Failed:      r.report.Failed,
		Skipped:     r.report.Skipped,
		NextOffset:  offset + r.next,
		UpdatedAt:   now,
	}
}

// RunBatch processes refs with bounded parallelism. Per-entity failures and
// panics are recorded, never fatal; only a configuration error aborts the
// run. Cancelling ctx stops new launches and the report is returned with
// Cancelled set.
func (c *Coordinator) RunBatch(ctx context.Context, refs []model.EntityRef, opts Options) (*model.BatchReport, error) {
	if opts.BatchID == "" {
		opts.BatchID = uuid.New().String()
	}
	concurrency := ClampConcurrency(opts.Concurrency, c.cfg.Concurrency)
	skip := max(0, min(opts.Skip, len(refs)))
	todo := refs[skip:]

	r := &run{
		report: model.BatchReport{ID: opts.BatchID, Skipped: skip, StartedAt: c.now()},
		errIdx: make(map[string]int),
		done:   make([]bool, len(todo)),
	}
	if len(refs) > 0 {
		r.ws = refs[0].WorkspaceID
	}
	log := c.log.With(zap.String("batch_id", opts.BatchID))
	log.Info("batch started",
		zap.Int("entities", len(todo)),
		zap.Int("skip", skip),
		zap.Int("concurrency", concurrency),
		zap.Bool("dry_run", opts.DryRun),
	)
	defer c.metrics.BatchStarted()()

	every := opts.CheckpointEvery
	if every <= 0 {
		every = c.cfg.CheckpointEvery
	}
	save := func(ctx context.Context) {
		cp := r.checkpoint(opts.BatchID, skip, c.now())
		log.Info("batch checkpoint",
			zap.Int("processed", cp.Processed),
			zap.Int("succeeded", cp.Succeeded),
			zap.Int("failed", cp.Failed),
			zap.Int("skipped", cp.Skipped),
			zap.Int("next_offset", cp.NextOffset),
		)
		if opts.DryRun || c.store == nil {
			return
		}
		if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
			log.Warn("save checkpoint failed", zap.Error(err))
		}
	}

	tickerDone := make(chan struct{})
	var tickerWG sync.WaitGroup
	if c.cfg.CheckpointInterval > 0 {
		tickerWG.Add(1)
		go func() {
			defer tickerWG.Done()
			t := time.NewTicker(c.cfg.CheckpointInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					save(context.WithoutCancel(ctx))
				case <-tickerDone:
					return
				}
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, ref := range todo {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := c.runOne(gctx, ref, opts.DryRun)
			if err != nil && isConfigError(err) {
				return eris.Wrapf(err, "batch: entity %s", ref.ID)
			}
			r.finish(i, ref, err)
			c.recordOutcome(gctx, log, opts, ref, err)

			r.mu.Lock()
			due := every > 0 && r.sinceSave >= every
			r.mu.Unlock()
			if due {
				save(context.WithoutCancel(gctx))
			}
			return nil
		})
	}
	waitErr := g.Wait()
	close(tickerDone)
	tickerWG.Wait()

	report := r.report
	report.NextOffset = skip + r.next
	report.FinishedAt = c.now()
	report.Cancelled = ctx.Err() != nil
	sort.Slice(report.Errors, func(a, b int) bool {
		return r.errIdx[report.Errors[a].EntityID] < r.errIdx[report.Errors[b].EntityID]
	})
	save(context.WithoutCancel(ctx))

	log.Info("batch complete",
		zap.Int("processed", report.Processed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Bool("cancelled", report.Cancelled),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)

	if waitErr != nil {
		return &report, waitErr
	}
	if report.Cancelled {
		return &report, eris.Wrap(ctx.Err(), "batch: cancelled")
	}
	return &report, nil
}

// runOne calls process, converting a panic into an error.
func (c *Coordinator) runOne(ctx context.Context, ref model.EntityRef, dryRun bool) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("entity pipeline panicked",
				zap.String("entity_id", ref.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			err = eris.Errorf("batch: panic processing %s: %v", ref.ID, rec)
		}
	}()
	return c.process(ctx, ref, dryRun)
}

func (c *Coordinator) recordOutcome(ctx context.Context, log *zap.Logger, opts Options, ref model.EntityRef, err error) {
	switch {
	case err == nil:
		c.metrics.IncBatchEntity("succeeded")
		return
	case errors.Is(err, ErrSkipped):
		c.metrics.IncBatchEntity("skipped")
		return
	}
	c.metrics.IncBatchEntity("failed")
	log.Warn("entity failed",
		zap.String("workspace_id", ref.WorkspaceID),
		zap.String("entity_id", ref.ID),
		zap.Error(err),
	)
	if opts.DryRun || !c.cfg.DeadLetter || c.store == nil || ctx.Err() != nil {
		return
	}
	entry := resilience.NewDLQEntry(ref, opts.BatchID, err, c.cfg.MaxRetries, c.now())
	if dErr := c.store.EnqueueDLQ(context.WithoutCancel(ctx), entry); dErr != nil {
		log.Warn("enqueue dead letter failed", zap.String("entity_id", ref.ID), zap.Error(dErr))
	}
}

// RetryDeadLetters re-runs due dead-letter entries. Successes are removed
// from the queue; failures have their retry count bumped and are pushed
// back by the retry backoff.
func (c *Coordinator) RetryDeadLetters(ctx context.Context, filter resilience.DLQFilter, concurrency int) (*model.BatchReport, error) {
	if c.store == nil {
		return nil, eris.New("batch: dead-letter retry needs a store")
	}
	entries, err := c.store.DequeueDLQ(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "batch: dequeue dead letters")
	}

	report := &model.BatchReport{ID: fmt.Sprintf("dlq-%s", uuid.New().String()[:8]), StartedAt: c.now()}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ClampConcurrency(concurrency, c.cfg.Concurrency))

	for _, entry := range entries {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			perr := c.runOne(gctx, entry.Entity, false)
			if perr != nil && isConfigError(perr) {
				return perr
			}

			mu.Lock()
			report.Processed++
			mu.Unlock()

			bg := context.WithoutCancel(gctx)
			if perr == nil || errors.Is(perr, ErrSkipped) {
				if err := c.store.RemoveDLQ(bg, entry.ID); err != nil {
					c.log.Warn("remove dead letter failed", zap.String("id", entry.ID), zap.Error(err))
				}
				mu.Lock()
				if perr == nil {
					report.Succeeded++
				} else {
					report.Skipped++
				}
				mu.Unlock()
				return nil
			}

			next := c.now().Add(c.cfg.RetryBackoff * time.Duration(entry.RetryCount+1))
			if err := c.store.IncrementDLQRetry(bg, entry.ID, next, perr.Error()); err != nil {
				c.log.Warn("bump dead letter retry failed", zap.String("id", entry.ID), zap.Error(err))
			}
			mu.Lock()
			report.Failed++
			report.Errors = append(report.Errors, model.EntityError{EntityID: entry.Entity.ID, Error: perr.Error()})
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()
	report.FinishedAt = c.now()
	report.Cancelled = ctx.Err() != nil

	c.log.Info("dead-letter retry complete",
		zap.Int("entries", len(entries)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
	)
	if waitErr != nil {
		return report, eris.Wrap(waitErr, "batch: retry dead letters")
	}
	return report, nil
}
