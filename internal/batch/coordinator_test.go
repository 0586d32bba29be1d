package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrichment-engine/internal/model"
	"github.com/sells-group/enrichment-engine/internal/resilience"
	"github.com/sells-group/enrichment-engine/internal/store"
)

// Dead-letter entries become due relative to the store's wall clock, so the
// coordinator clock sits safely in the past.
var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func refs(n int) []model.EntityRef {
	out := make([]model.EntityRef, n)
	for i := range out {
		out[i] = model.EntityRef{WorkspaceID: "ws1", Kind: model.KindCompany, ID: fmt.Sprintf("e%d", i+1)}
	}
	return out
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 0
	return cfg
}

func TestRunBatch_PartialFailure(t *testing.T) {
	st := store.NewMemory()
	process := func(_ context.Context, ref model.EntityRef, _ bool) error {
		if ref.ID == "e5" {
			return errors.New("provider exploded")
		}
		return nil
	}
	c := New(process, quietConfig(), WithStore(st), WithNow(func() time.Time { return testNow }))

	report, err := c.RunBatch(context.Background(), refs(10), Options{BatchID: "b1", Concurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Processed)
	assert.Equal(t, 9, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "e5", report.Errors[0].EntityID)
	assert.Equal(t, 10, report.NextOffset)

	n, err := st.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cp, err := st.GetCheckpoint(context.Background(), "b1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 10, cp.Processed)
	assert.Equal(t, 1, cp.Failed)
	assert.Equal(t, 10, cp.NextOffset)
}

func TestRunBatch_PanicIsRecorded(t *testing.T) {
	process := func(_ context.Context, ref model.EntityRef, _ bool) error {
		if ref.ID == "e2" {
			panic("nil map")
		}
		return nil
	}
	report, err := New(process, quietConfig()).RunBatch(context.Background(), refs(3), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Errors[0].Error, "panic")
}

func TestRunBatch_SkipAndSkipped(t *testing.T) {
	var seen atomic.Int32
	process := func(_ context.Context, ref model.EntityRef, _ bool) error {
		seen.Add(1)
		if ref.ID == "e4" {
			return ErrSkipped
		}
		return nil
	}
	report, err := New(process, quietConfig()).RunBatch(context.Background(), refs(6), Options{Skip: 2})
	require.NoError(t, err)
	assert.Equal(t, int32(4), seen.Load())
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, 3, report.Skipped) // two resumed past plus one skipped by the pipeline
	assert.Equal(t, 6, report.NextOffset)
}

func TestRunBatch_ConfigErrorAborts(t *testing.T) {
	process := func(context.Context, model.EntityRef, bool) error {
		return model.ErrNoProviders
	}
	_, err := New(process, quietConfig()).RunBatch(context.Background(), refs(20), Options{Concurrency: 1})
	assert.ErrorIs(t, err, model.ErrNoProviders)
}

func TestRunBatch_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	process := func(ctx context.Context, ref model.EntityRef, _ bool) error {
		if started.Add(1) == 3 {
			cancel()
		}
		return nil
	}
	report, err := New(process, quietConfig()).RunBatch(ctx, refs(50), Options{Concurrency: 1})
	require.Error(t, err)
	assert.True(t, report.Cancelled)
	assert.Less(t, report.Processed, 50)
	assert.Equal(t, report.Processed, report.NextOffset)
}

func TestRunBatch_DryRunPersistsNothing(t *testing.T) {
	st := store.NewMemory()
	var dry atomic.Bool
	process := func(_ context.Context, ref model.EntityRef, dryRun bool) error {
		dry.Store(dryRun)
		return errors.New("fails")
	}
	report, err := New(process, quietConfig(), WithStore(st)).RunBatch(context.Background(), refs(2), Options{BatchID: "dry", DryRun: true})
	require.NoError(t, err)
	assert.True(t, dry.Load())
	assert.Equal(t, 2, report.Failed)

	n, _ := st.CountDLQ(context.Background())
	assert.Zero(t, n)
	cp, _ := st.GetCheckpoint(context.Background(), "dry")
	assert.Nil(t, cp)
}

func TestRunBatch_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	process := func(context.Context, model.EntityRef, bool) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}
	_, err := New(process, quietConfig()).RunBatch(context.Background(), refs(40), Options{Concurrency: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, DefaultConcurrency, ClampConcurrency(0, 0))
	assert.Equal(t, 8, ClampConcurrency(0, 8))
	assert.Equal(t, 1, ClampConcurrency(-3, -1))
	assert.Equal(t, MaxConcurrency, ClampConcurrency(500, 0))
	assert.Equal(t, 5, ClampConcurrency(5, 12))
}

func TestRetryDeadLetters(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"ok", "still-bad"} {
		ref := model.EntityRef{WorkspaceID: "ws1", Kind: model.KindCompany, ID: id}
		entry := resilience.NewDLQEntry(ref, "b1", resilience.NewTransientError(errors.New("timeout"), 503), 3, testNow)
		entry.ID = "dlq-" + id
		require.NoError(t, st.EnqueueDLQ(ctx, entry))
	}

	process := func(_ context.Context, ref model.EntityRef, _ bool) error {
		if ref.ID == "still-bad" {
			return errors.New("still failing")
		}
		return nil
	}
	c := New(process, quietConfig(), WithStore(st), WithNow(func() time.Time { return testNow }))

	report, err := c.RetryDeadLetters(ctx, resilience.DLQFilter{WorkspaceID: "ws1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	n, _ := st.CountDLQ(ctx)
	assert.Equal(t, 1, n)
}

func TestRetryDeadLetters_NeedsStore(t *testing.T) {
	_, err := New(nil, quietConfig()).RetryDeadLetters(context.Background(), resilience.DLQFilter{}, 1)
	assert.Error(t, err)
}
