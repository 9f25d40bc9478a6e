package driftq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drifthq/go-driftsync/driftq"
	"github.com/drifthq/go-driftsync/driftsync"
	"github.com/drifthq/go-driftsync/internal/storetest"
)

func fastConfig() *driftq.Config {
	return &driftq.Config{
		MaxRetries:   2,
		BackoffMin:   time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
		MaxQueueSize: 100,
	}
}

func newQueue(t *testing.T, fake *storetest.Fake, store driftq.Store) *driftq.Queue {
	t.Helper()
	q, err := driftq.NewQueue(fake, store, fastConfig(), nil)
	require.NoError(t, err)
	return q
}

func TestEnqueueUpdatesState(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())

	id, err := q.Enqueue(context.Background(), driftsync.OpCreate, "quizzes", map[string]any{"name": "Quiz 1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st := q.State()
	require.Equal(t, driftq.QueueState{Pending: 1, Total: 1}, st)

	op, ok := q.Get(id)
	require.True(t, ok)
	require.Equal(t, driftq.StatusPending, op.Status)
	require.Equal(t, driftsync.OpCreate, op.Kind)
	require.Equal(t, "quizzes", op.Collection)
	require.NotZero(t, op.Timestamp)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "upsert", "quizzes", nil)
	require.True(t, driftsync.IsValidationError(err))
	_, err = q.Enqueue(ctx, driftsync.OpCreate, "", nil)
	require.True(t, driftsync.IsValidationError(err))
}

func TestEnqueueRefusesWhenFull(t *testing.T) {
	fake := storetest.NewFake()
	cfg := fastConfig()
	cfg.MaxQueueSize = 1
	q, err := driftq.NewQueue(fake, driftq.NewMemoryStore(), cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "b"})
	require.True(t, driftsync.IsValidationError(err))
}

func TestProcessQueueReplaysInOrder(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "first"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "second"})
	require.NoError(t, err)

	require.NoError(t, q.ProcessQueue(ctx))

	calls := fake.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "first", calls[0].Data["name"])
	require.Equal(t, "second", calls[1].Data["name"])
	require.Equal(t, driftq.QueueState{Completed: 2, Total: 2}, q.State())
}

func TestProcessQueueIdempotent(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "once"})
	require.NoError(t, err)

	require.NoError(t, q.ProcessQueue(ctx))
	require.NoError(t, q.ProcessQueue(ctx))

	// A completed operation is never re-executed.
	require.Len(t, fake.Calls(), 1)
	require.Equal(t, driftq.QueueState{Completed: 1, Total: 1}, q.State())
}

func TestOrderSurvivesPersistenceRoundTrip(t *testing.T) {
	fake := storetest.NewFake()
	store := driftq.NewMemoryStore()
	q1 := newQueue(t, fake, store)
	ctx := context.Background()

	_, err := q1.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "first"})
	require.NoError(t, err)
	_, err = q1.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "second"})
	require.NoError(t, err)

	// A fresh queue over the same store replays in the original order.
	q2 := newQueue(t, fake, store)
	require.Equal(t, driftq.QueueState{Pending: 2, Total: 2}, q2.State())
	require.NoError(t, q2.ProcessQueue(ctx))

	calls := fake.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "first", calls[0].Data["name"])
	require.Equal(t, "second", calls[1].Data["name"])
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "flaky"})
	require.NoError(t, err)

	fake.FailWrites(1, nil)
	require.NoError(t, q.ProcessQueue(ctx))

	op, _ := q.Get(id)
	require.Equal(t, driftq.StatusCompleted, op.Status)
	require.Equal(t, 1, op.Retries)
	require.Len(t, fake.Calls(), 1)
}

func TestRetriesExhaustedMarksFailed(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "doomed"})
	require.NoError(t, err)

	fake.FailWrites(-1, nil)
	require.NoError(t, q.ProcessQueue(ctx))

	op, _ := q.Get(id)
	require.Equal(t, driftq.StatusFailed, op.Status)
	require.Equal(t, 2, op.Retries)
	require.Equal(t, driftq.QueueState{Failed: 1, Total: 1}, q.State())

	// Failed is terminal: another pass does not touch it.
	fake.FailWrites(0, nil)
	require.NoError(t, q.ProcessQueue(ctx))
	require.Empty(t, fake.Calls())
}

func TestNonRetryableReplayErrorFailsImmediately(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "bad"})
	require.NoError(t, err)

	fake.FailWrites(-1, &driftsync.ValidationError{Msg: "rejected"})
	require.NoError(t, q.ProcessQueue(ctx))

	op, _ := q.Get(id)
	require.Equal(t, driftq.StatusFailed, op.Status)
	require.Equal(t, 0, op.Retries)
}

func TestUpdateReplayNeedsDocumentID(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())
	ctx := context.Background()
	fake.SetDoc("quizzes/q1", map[string]any{"name": "Quiz 1"})

	_, err := q.Enqueue(ctx, driftsync.OpUpdate, "quizzes", map[string]any{"id": "q1", "name": "renamed"})
	require.NoError(t, err)
	require.NoError(t, q.ProcessQueue(ctx))

	data, _ := fake.Doc("quizzes/q1")
	require.Equal(t, "renamed", data["name"])

	// Without an id the operation cannot be re-invoked and fails permanently.
	id, err := q.Enqueue(ctx, driftsync.OpDelete, "quizzes", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, q.ProcessQueue(ctx))
	op, _ := q.Get(id)
	require.Equal(t, driftq.StatusFailed, op.Status)
}

func TestRemoveAndClear(t *testing.T) {
	fake := storetest.NewFake()
	store := driftq.NewMemoryStore()
	q := newQueue(t, fake, store)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "b"})
	require.NoError(t, err)

	require.True(t, q.Remove(ctx, id))
	require.False(t, q.Remove(ctx, id))
	require.Equal(t, 1, q.State().Total)

	require.NoError(t, q.Clear(ctx))
	require.Equal(t, driftq.QueueState{}, q.State())

	// The persisted representation is gone too.
	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestCorruptedStoreLoadsEmpty(t *testing.T) {
	fake := storetest.NewFake()
	store := driftq.NewMemoryStore()
	store.SetRaw([]byte(`{"not": "an array"`))

	q, err := driftq.NewQueue(fake, store, fastConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, driftq.QueueState{}, q.State())
}

func TestProcessingRevertsToPendingOnReload(t *testing.T) {
	fake := storetest.NewFake()
	store := driftq.NewMemoryStore()
	ctx := context.Background()

	// Simulate a crash mid-pass: a persisted operation stuck in processing.
	require.NoError(t, store.Save(ctx, []driftq.Operation{{
		ID:         "op_1",
		Kind:       driftsync.OpCreate,
		Collection: "quizzes",
		Data:       map[string]any{"name": "interrupted"},
		Timestamp:  time.Now().UnixMilli(),
		Status:     driftq.StatusProcessing,
	}}))

	q, err := driftq.NewQueue(fake, store, fastConfig(), nil)
	require.NoError(t, err)
	require.Equal(t, driftq.QueueState{Pending: 1, Total: 1}, q.State())

	require.NoError(t, q.ProcessQueue(ctx))
	require.Equal(t, driftq.QueueState{Completed: 1, Total: 1}, q.State())
}

func TestDropCompleted(t *testing.T) {
	fake := storetest.NewFake()
	cfg := fastConfig()
	cfg.DropCompleted = true
	q, err := driftq.NewQueue(fake, driftq.NewMemoryStore(), cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "gone"})
	require.NoError(t, err)
	require.NoError(t, q.ProcessQueue(ctx))
	require.Equal(t, driftq.QueueState{}, q.State())
	require.Len(t, fake.Calls(), 1)
}

func TestPauseProcessing(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "held"})
	require.NoError(t, err)

	q.PauseProcessing()
	require.NoError(t, q.ProcessQueue(ctx))
	require.Equal(t, 1, q.State().Pending)

	q.ResumeProcessing()
	require.NoError(t, q.ProcessQueue(ctx))
	require.Equal(t, 1, q.State().Completed)
}

// gatedStore blocks every Write until released so tests can hold
// operations in flight.
type gatedStore struct {
	*storetest.Fake
	entered chan string
	release chan struct{}
}

func (g *gatedStore) Write(ctx context.Context, kind driftsync.OpKind, path string, data map[string]any) (*driftsync.Document, error) {
	name, _ := data["name"].(string)
	g.entered <- name
	<-g.release
	return g.Fake.Write(ctx, kind, path, data)
}

func TestConcurrentProcessPassesDoNotDuplicate(t *testing.T) {
	gated := &gatedStore{
		Fake:    storetest.NewFake(),
		entered: make(chan string, 2),
		release: make(chan struct{}),
	}
	q, err := driftq.NewQueue(gated, driftq.NewMemoryStore(), fastConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "first"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "second"})
	require.NoError(t, err)

	done := make(chan error, 2)
	go func() { done <- q.ProcessQueue(ctx) }()
	go func() { done <- q.ProcessQueue(ctx) }()

	// Each pass claims a distinct operation and blocks inside its write;
	// the status guard keeps either operation from being claimed twice.
	claimed := map[string]bool{<-gated.entered: true, <-gated.entered: true}
	require.True(t, claimed["first"])
	require.True(t, claimed["second"])

	close(gated.release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	require.Len(t, gated.Calls(), 2)
	require.Equal(t, driftq.QueueState{Completed: 2, Total: 2}, q.State())
}

func TestNewQueueDoesNotMutateCallerConfig(t *testing.T) {
	fake := storetest.NewFake()
	cfg := &driftq.Config{MaxRetries: 2, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond}
	_, err := driftq.NewQueue(fake, driftq.NewMemoryStore(), cfg, nil)
	require.NoError(t, err)
	require.Zero(t, cfg.MaxQueueSize)
}

func TestMetricsRecorderObservesReplay(t *testing.T) {
	fake := storetest.NewFake()
	q := newQueue(t, fake, driftq.NewMemoryStore())
	ctx := context.Background()

	var stages []string
	q.SetMetricsRecorder(driftsync.StageMetricsRecorderFunc(func(_ context.Context, timing driftsync.StageTiming) {
		stages = append(stages, timing.Operation+"/"+timing.Stage)
	}))

	_, err := q.Enqueue(ctx, driftsync.OpCreate, "quizzes", map[string]any{"name": "m"})
	require.NoError(t, err)
	require.NoError(t, q.ProcessQueue(ctx))

	require.Contains(t, stages, "enqueue/total")
	require.Contains(t, stages, "replay/attempt")
}
