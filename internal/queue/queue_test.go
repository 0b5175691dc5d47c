package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/queuesvc/taskqueue/internal/job"
	"github.com/queuesvc/taskqueue/internal/store"
)

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client)
	return New("emails", s, Options{}), mr
}

func TestAddAndNext_FIFO(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	a := job.New(q.Name(), json.RawMessage(`{"n":"a"}`), job.Options{}, nil)
	b := job.New(q.Name(), json.RawMessage(`{"n":"b"}`), job.Options{}, nil)

	if err := q.Add(ctx, a); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := q.Add(ctx, b); err != nil {
		t.Fatalf("add b: %v", err)
	}

	first, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first == nil || first.ID != a.ID {
		t.Fatalf("expected first job %s, got %+v", a.ID, first)
	}
	if first.Status != job.StatusActive {
		t.Errorf("expected active status, got %s", first.Status)
	}

	second, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if second == nil || second.ID != b.ID {
		t.Fatalf("expected second job %s, got %+v", b.ID, second)
	}
}

func TestNext_NoneOnEmpty(t *testing.T) {
	q, mr := setupTestQueue(t)
	mr.SetTime(time.Now())
	j, err := q.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil on empty queue, got %+v", j)
	}
}

func TestComplete_RetentionOff(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	j := job.New(q.Name(), json.RawMessage(`{}`), job.Options{RemoveOnComplete: true}, nil)
	if err := q.Add(ctx, j); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}

	if err := q.Complete(ctx, j.ID, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := q.Get(ctx, j.ID); err == nil {
		t.Error("expected job record removed when RemoveOnComplete is set")
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CompletedJobs != 1 {
		t.Errorf("expected completedJobs=1, got %d", stats.CompletedJobs)
	}
	if stats.Active != 0 {
		t.Errorf("expected active=0, got %d", stats.Active)
	}
}

func TestFail_RetriesThenTerminates(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	j := job.New(q.Name(), json.RawMessage(`{}`), job.Options{AttemptsMax: 2}, nil)
	if err := q.Add(ctx, j); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}

	if err := q.Fail(ctx, j.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	after, err := q.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != job.StatusDelayed {
		t.Errorf("expected delayed after retryable failure, got %s", after.Status)
	}
	if after.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", after.Attempts)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Delayed != 1 {
		t.Errorf("expected 1 delayed job, got %d", stats.Delayed)
	}

	// Force the retry eligible immediately and promote it, then fail
	// it again to exhaust attempts.
	moved, err := forcePromote(ctx, q)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 promoted job, got %d", moved)
	}

	if _, err := q.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := q.Fail(ctx, j.ID, "boom again"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	final, err := q.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != job.StatusFailed {
		t.Errorf("expected terminal failed, got %s", final.Status)
	}
	if final.Attempts != 2 {
		t.Errorf("expected attempts=2, got %d", final.Attempts)
	}
}

// forcePromote backdates the queue's only delayed member to now and
// promotes it, simulating the passage of the backoff window without
// an actual sleep.
func forcePromote(ctx context.Context, q *Queue) (int, error) {
	members, err := q.store.ZRangeByScore(ctx, q.delayedKey, 0, maxScore, 10)
	if err != nil {
		return 0, err
	}
	for _, m := range members {
		if err := q.store.ZAdd(ctx, q.delayedKey, 0, m.Member); err != nil {
			return 0, err
		}
	}
	return q.PromoteDelayed(ctx)
}

func TestPromoteDelayed_RespectsDelay(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	j := job.New(q.Name(), json.RawMessage(`{}`), job.Options{DelayMS: 60_000}, nil)
	if err := q.Add(ctx, j); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Not yet eligible: Next should see nothing.
	got, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no job before delay elapses, got %+v", got)
	}

	moved, err := forcePromote(ctx, q)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 promoted, got %d", moved)
	}

	got, err = q.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got == nil || got.ID != j.ID {
		t.Fatalf("expected job %s after promotion, got %+v", j.ID, got)
	}
}

func TestRemove_PreventsFutureClaim(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	j := job.New(q.Name(), json.RawMessage(`{}`), job.Options{}, nil)
	if err := q.Add(ctx, j); err != nil {
		t.Fatalf("add: %v", err)
	}

	removed, err := q.Remove(ctx, j.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Error("expected remove to report true")
	}

	got, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != nil {
		t.Fatalf("expected removed job never claimed, got %+v", got)
	}
}

func TestClean_ZeroesStats(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := job.New(q.Name(), json.RawMessage(`{}`), job.Options{}, nil)
		if err := q.Add(ctx, j); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if err := q.Clean(ctx); err != nil {
		t.Fatalf("clean: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("expected zeroed stats after clean, got %+v", stats)
	}
}

func TestReclaimStalled_RequeuesUnderMax(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	j := job.New(q.Name(), json.RawMessage(`{}`), job.Options{AttemptsMax: 3}, nil)
	if err := q.Add(ctx, j); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}

	// Backdate the lease so it looks stale.
	if err := q.store.HSet(ctx, q.activeMetaKey, j.ID, "0"); err != nil {
		t.Fatalf("hset lease: %v", err)
	}

	reclaimed, err := q.ReclaimStalled(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}

	after, err := q.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != job.StatusWaiting {
		t.Errorf("expected waiting after reclaim, got %s", after.Status)
	}
	if after.Attempts != 1 {
		t.Errorf("expected attempts bumped to 1, got %d", after.Attempts)
	}
}

func TestReclaimStalled_TerminatesAtMaxAttempts(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	j := job.New(q.Name(), json.RawMessage(`{}`), job.Options{AttemptsMax: 1}, nil)
	j.Attempts = 1
	if err := q.Add(ctx, j); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := q.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := q.store.HSet(ctx, q.activeMetaKey, j.ID, "0"); err != nil {
		t.Fatalf("hset lease: %v", err)
	}

	reclaimed, err := q.ReclaimStalled(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}

	after, err := q.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != job.StatusFailed {
		t.Errorf("expected terminal failed, got %s", after.Status)
	}
}
