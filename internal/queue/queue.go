// Package queue implements the per-named-queue Redis state machine:
// enqueue, blocking dequeue, terminal transitions, delayed-job
// promotion, and stats/cleanup. All durable state lives in the Store;
// Queue itself holds nothing but a name and pre-computed key strings.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/queuesvc/taskqueue/internal/job"
	"github.com/queuesvc/taskqueue/internal/store"
)

const (
	retryBaseMS = 1000
	retryCapMS  = 60_000
	// maxScore bounds a full-range ZRANGEBYSCORE scan; any real
	// delayed-job score is far below this.
	maxScore = 1 << 62
)

// Stats reports per-queue counters, mixing persisted hash counters with
// live structural-set sizes.
type Stats struct {
	TotalJobs     int64 `json:"total_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	Waiting       int64 `json:"waiting"`
	Active        int64 `json:"active"`
	Delayed       int64 `json:"delayed"`
}

// Options configures queue-level settings.
type Options struct {
	// RetentionCompleted is not read by Complete: whether a completed
	// job's record and completed-list entry are kept is decided per
	// job by job.Options.RemoveOnComplete.
	RetentionCompleted bool
	// RetentionFailed is not read by Fail or ReclaimStalled: whether a
	// terminally failed job's record and failed-list entry are kept is
	// decided per job by job.Options.RemoveOnFail.
	RetentionFailed bool
	// DefaultConcurrency is used by a Worker constructed for this
	// queue when no positive concurrency is passed explicitly; zero
	// leaves the worker's system default in effect.
	DefaultConcurrency int
}

// Queue owns one queue:{name}: key prefix in the Store.
type Queue struct {
	name  string
	store store.Store
	opts  Options

	waitingKey    string
	activeKey     string
	completedKey  string
	failedKey     string
	delayedKey    string
	jobsKey       string
	statsKey      string
	activeMetaKey string
}

// New constructs a Queue bound to name. It performs no I/O.
func New(name string, s store.Store, opts Options) *Queue {
	prefix := fmt.Sprintf("queue:%s:", name)
	return &Queue{
		name:  name,
		store: s,
		opts:  opts,

		waitingKey:    prefix + "waiting",
		activeKey:     prefix + "active",
		completedKey:  prefix + "completed",
		failedKey:     prefix + "failed",
		delayedKey:    prefix + "delayed",
		jobsKey:       prefix + "jobs",
		statsKey:      prefix + "stats",
		activeMetaKey: prefix + "active_meta",
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// DefaultConcurrency returns the queue-level concurrency default, or
// 0 if none was configured (callers fall back to a system default).
func (q *Queue) DefaultConcurrency() int { return q.opts.DefaultConcurrency }

func (q *Queue) writeBack(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("queue %s: marshal job %s: %w", q.name, j.ID, err)
	}
	if err := q.store.HSet(ctx, q.jobsKey, j.ID, string(data)); err != nil {
		return fmt.Errorf("queue %s: persist job %s: %w", q.name, j.ID, err)
	}
	return nil
}

// Add persists j and places its id onto waiting (immediately eligible)
// or delayed (if j.Options.DelayMS > 0), then bumps totalJobs.
func (q *Queue) Add(ctx context.Context, j *job.Job) error {
	if err := q.writeBack(ctx, j); err != nil {
		return err
	}

	if j.Status == job.StatusDelayed {
		if err := q.store.ZAdd(ctx, q.delayedKey, float64(j.ScheduledAt()), j.ID); err != nil {
			return fmt.Errorf("queue %s: schedule job %s: %w", q.name, j.ID, err)
		}
	} else {
		if err := q.store.LPush(ctx, q.waitingKey, j.ID); err != nil {
			return fmt.Errorf("queue %s: enqueue job %s: %w", q.name, j.ID, err)
		}
	}

	if _, err := q.store.HIncrBy(ctx, q.statsKey, "totalJobs", 1); err != nil {
		return fmt.Errorf("queue %s: increment totalJobs: %w", q.name, err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*job.Job, error) {
	data, err := q.store.HGet(ctx, q.jobsKey, id)
	if err != nil {
		if err == store.ErrNil {
			return nil, fmt.Errorf("queue %s: job %s not found", q.name, id)
		}
		return nil, fmt.Errorf("queue %s: load job %s: %w", q.name, id, err)
	}
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("queue %s: decode job %s: %w", q.name, id, err)
	}
	return &j, nil
}

// Next promotes any eligible delayed jobs, then pops one id from
// waiting with a 1-second block. Returns (nil, nil) on idle timeout.
func (q *Queue) Next(ctx context.Context) (*job.Job, error) {
	if _, err := q.PromoteDelayed(ctx); err != nil {
		return nil, err
	}

	id, err := q.store.BRPopLPush(ctx, q.waitingKey, q.activeKey, time.Second)
	if err != nil {
		if err == store.ErrNil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue %s: dequeue: %w", q.name, err)
	}

	j, err := q.loadJob(ctx, id)
	if err != nil {
		// The list entry outlived its job record; drop the dangling
		// active entry rather than leaving an unresolvable lease.
		_ = q.store.LRem(ctx, q.activeKey, 1, id)
		return nil, err
	}

	j.MarkActive()
	if err := q.writeBack(ctx, j); err != nil {
		return nil, err
	}
	if err := q.store.HSet(ctx, q.activeMetaKey, j.ID, fmt.Sprintf("%d", time.Now().UnixMilli())); err != nil {
		return nil, fmt.Errorf("queue %s: record lease for %s: %w", q.name, j.ID, err)
	}
	return j, nil
}

// Complete transitions id's job to completed, recording result.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	j, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}

	j.MarkCompleted(result)

	if err := q.store.LRem(ctx, q.activeKey, 1, id); err != nil {
		return fmt.Errorf("queue %s: clear active %s: %w", q.name, id, err)
	}
	if err := q.store.HDel(ctx, q.activeMetaKey, id); err != nil {
		return fmt.Errorf("queue %s: clear lease %s: %w", q.name, id, err)
	}

	if j.Options.RemoveOnComplete {
		if err := q.store.HDel(ctx, q.jobsKey, id); err != nil {
			return fmt.Errorf("queue %s: delete job %s: %w", q.name, id, err)
		}
	} else {
		if err := q.writeBack(ctx, j); err != nil {
			return err
		}
		if err := q.store.LPush(ctx, q.completedKey, id); err != nil {
			return fmt.Errorf("queue %s: retain completed %s: %w", q.name, id, err)
		}
	}

	if _, err := q.store.HIncrBy(ctx, q.statsKey, "completedJobs", 1); err != nil {
		return fmt.Errorf("queue %s: increment completedJobs: %w", q.name, err)
	}
	return nil
}

// retryBackoff computes the Queue's jittered exponential backoff, in
// milliseconds, for the given (post-increment) attempt count.
func retryBackoff(attempts int) time.Duration {
	base := float64(retryBaseMS) * float64(uint64(1)<<uint(attempts))
	if base > retryCapMS {
		base = retryCapMS
	}
	jitter := rand.Float64() * 0.1 * base
	return time.Duration(base+jitter) * time.Millisecond
}

// Fail records a failed attempt against id. If the job can still
// retry, it re-enters delayed with a jittered exponential backoff;
// otherwise it terminates as failed.
func (q *Queue) Fail(ctx context.Context, id string, errMsg string) error {
	j, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}

	j.MarkFailed(errMsg)

	if err := q.store.LRem(ctx, q.activeKey, 1, id); err != nil {
		return fmt.Errorf("queue %s: clear active %s: %w", q.name, id, err)
	}
	if err := q.store.HDel(ctx, q.activeMetaKey, id); err != nil {
		return fmt.Errorf("queue %s: clear lease %s: %w", q.name, id, err)
	}

	if j.CanRetry() {
		j.ResetForRetry()
		j.Status = job.StatusDelayed
		eligibleAt := time.Now().Add(retryBackoff(j.Attempts))

		if err := q.writeBack(ctx, j); err != nil {
			return err
		}
		if err := q.store.ZAdd(ctx, q.delayedKey, float64(eligibleAt.UnixMilli()), id); err != nil {
			return fmt.Errorf("queue %s: schedule retry %s: %w", q.name, id, err)
		}
		return nil
	}

	if j.Options.RemoveOnFail {
		if err := q.store.HDel(ctx, q.jobsKey, id); err != nil {
			return fmt.Errorf("queue %s: delete job %s: %w", q.name, id, err)
		}
	} else {
		if err := q.writeBack(ctx, j); err != nil {
			return err
		}
		if err := q.store.LPush(ctx, q.failedKey, id); err != nil {
			return fmt.Errorf("queue %s: retain failed %s: %w", q.name, id, err)
		}
	}

	if _, err := q.store.HIncrBy(ctx, q.statsKey, "failedJobs", 1); err != nil {
		return fmt.Errorf("queue %s: increment failedJobs: %w", q.name, err)
	}
	return nil
}

// PromoteDelayed moves every delayed job whose score has elapsed back
// onto waiting, in ascending score order, and returns the count moved.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixMilli())
	members, err := q.store.ZRangeByScore(ctx, q.delayedKey, 0, now, 1000)
	if err != nil {
		return 0, fmt.Errorf("queue %s: scan delayed: %w", q.name, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	moved := 0
	for _, m := range members {
		j, err := q.loadJob(ctx, m.Member)
		if err != nil {
			// Dangling zset entry with no backing record; drop it
			// and move on rather than failing the whole sweep.
			_ = q.store.ZRem(ctx, q.delayedKey, m.Member)
			continue
		}

		j.Status = job.StatusWaiting
		if err := q.writeBack(ctx, j); err != nil {
			return moved, err
		}
		if err := q.store.LPush(ctx, q.waitingKey, j.ID); err != nil {
			return moved, fmt.Errorf("queue %s: promote %s: %w", q.name, j.ID, err)
		}
		if err := q.store.ZRem(ctx, q.delayedKey, j.ID); err != nil {
			return moved, fmt.Errorf("queue %s: unschedule %s: %w", q.name, j.ID, err)
		}
		moved++
	}
	return moved, nil
}

// Get returns the job record for id.
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	return q.loadJob(ctx, id)
}

// Remove deletes id from every structural set and its job record.
// Returns true if id's job record existed; entries removed from the
// lists or the delayed set without a backing record are not counted.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	_, getErr := q.loadJob(ctx, id)
	existed := getErr == nil

	if err := q.store.LRem(ctx, q.waitingKey, 0, id); err != nil {
		return false, fmt.Errorf("queue %s: remove from waiting: %w", q.name, err)
	}
	if err := q.store.LRem(ctx, q.activeKey, 0, id); err != nil {
		return false, fmt.Errorf("queue %s: remove from active: %w", q.name, err)
	}
	if err := q.store.LRem(ctx, q.completedKey, 0, id); err != nil {
		return false, fmt.Errorf("queue %s: remove from completed: %w", q.name, err)
	}
	if err := q.store.LRem(ctx, q.failedKey, 0, id); err != nil {
		return false, fmt.Errorf("queue %s: remove from failed: %w", q.name, err)
	}
	if err := q.store.ZRem(ctx, q.delayedKey, id); err != nil {
		return false, fmt.Errorf("queue %s: remove from delayed: %w", q.name, err)
	}
	if err := q.store.HDel(ctx, q.activeMetaKey, id); err != nil {
		return false, fmt.Errorf("queue %s: remove lease: %w", q.name, err)
	}
	if err := q.store.HDel(ctx, q.jobsKey, id); err != nil {
		return false, fmt.Errorf("queue %s: remove job record: %w", q.name, err)
	}

	return existed, nil
}

// Stats reports persisted counters plus live structural-set sizes.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counters, err := q.store.HGetAll(ctx, q.statsKey)
	if err != nil {
		return Stats{}, fmt.Errorf("queue %s: read stats: %w", q.name, err)
	}

	waiting, err := q.store.LLen(ctx, q.waitingKey)
	if err != nil {
		return Stats{}, fmt.Errorf("queue %s: waiting length: %w", q.name, err)
	}
	active, err := q.store.LLen(ctx, q.activeKey)
	if err != nil {
		return Stats{}, fmt.Errorf("queue %s: active length: %w", q.name, err)
	}
	delayed, err := q.store.ZCard(ctx, q.delayedKey)
	if err != nil {
		return Stats{}, fmt.Errorf("queue %s: delayed cardinality: %w", q.name, err)
	}

	var parseErr error
	parse := func(s string) int64 {
		var v int64
		if s == "" {
			return 0
		}
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
			parseErr = err
		}
		return v
	}

	stats := Stats{
		TotalJobs:     parse(counters["totalJobs"]),
		CompletedJobs: parse(counters["completedJobs"]),
		FailedJobs:    parse(counters["failedJobs"]),
		Waiting:       waiting,
		Active:        active,
		Delayed:       delayed,
	}
	if parseErr != nil {
		return Stats{}, fmt.Errorf("queue %s: parse stats: %w", q.name, parseErr)
	}
	return stats, nil
}

// Clean deletes every key under this queue's prefix.
func (q *Queue) Clean(ctx context.Context) error {
	ids, err := q.store.HGetAll(ctx, q.jobsKey)
	if err != nil {
		return fmt.Errorf("queue %s: list jobs: %w", q.name, err)
	}
	for id := range ids {
		if err := q.store.HDel(ctx, q.jobsKey, id); err != nil {
			return fmt.Errorf("queue %s: clean job %s: %w", q.name, id, err)
		}
	}

	for _, key := range []string{q.waitingKey, q.activeKey, q.completedKey, q.failedKey} {
		for {
			_, err := q.store.RPop(ctx, key)
			if err == store.ErrNil {
				break
			}
			if err != nil {
				return fmt.Errorf("queue %s: clean %s: %w", q.name, key, err)
			}
		}
	}

	delayed, err := q.store.ZRangeByScore(ctx, q.delayedKey, 0, maxScore, 10000)
	if err != nil {
		return fmt.Errorf("queue %s: list delayed: %w", q.name, err)
	}
	for _, m := range delayed {
		if err := q.store.ZRem(ctx, q.delayedKey, m.Member); err != nil {
			return fmt.Errorf("queue %s: clean delayed %s: %w", q.name, m.Member, err)
		}
	}

	for field := range map[string]struct{}{"totalJobs": {}, "completedJobs": {}, "failedJobs": {}} {
		if err := q.store.HDel(ctx, q.statsKey, field); err != nil {
			return fmt.Errorf("queue %s: clean stats %s: %w", q.name, field, err)
		}
	}

	leases, err := q.store.HGetAll(ctx, q.activeMetaKey)
	if err != nil {
		return fmt.Errorf("queue %s: list leases: %w", q.name, err)
	}
	for id := range leases {
		if err := q.store.HDel(ctx, q.activeMetaKey, id); err != nil {
			return fmt.Errorf("queue %s: clean lease %s: %w", q.name, id, err)
		}
	}

	return nil
}

// ReclaimStalled moves active jobs leased longer than olderThan back
// onto waiting with their attempt count bumped, or to failed if that
// exhausts max_attempts. It answers the "active list scan degrades
// under load" note by indexing leases in a hash keyed by id instead of
// scanning active by value; active itself is left untouched as the
// observability list spec.md's data model names.
func (q *Queue) ReclaimStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	leases, err := q.store.HGetAll(ctx, q.activeMetaKey)
	if err != nil {
		return 0, fmt.Errorf("queue %s: list leases: %w", q.name, err)
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	reclaimed := 0

	for id, leaseStr := range leases {
		var leaseMS int64
		if _, err := fmt.Sscanf(leaseStr, "%d", &leaseMS); err != nil {
			continue
		}
		if leaseMS > cutoff {
			continue
		}

		j, err := q.loadJob(ctx, id)
		if err != nil {
			_ = q.store.HDel(ctx, q.activeMetaKey, id)
			_ = q.store.LRem(ctx, q.activeKey, 1, id)
			continue
		}

		if err := q.store.LRem(ctx, q.activeKey, 1, id); err != nil {
			return reclaimed, fmt.Errorf("queue %s: clear stalled active %s: %w", q.name, id, err)
		}
		if err := q.store.HDel(ctx, q.activeMetaKey, id); err != nil {
			return reclaimed, fmt.Errorf("queue %s: clear stalled lease %s: %w", q.name, id, err)
		}

		if j.Attempts < j.MaxAttempts {
			j.Attempts++
			j.Status = job.StatusWaiting
			j.ProcessedAt = nil
			if err := q.writeBack(ctx, j); err != nil {
				return reclaimed, err
			}
			if err := q.store.LPush(ctx, q.waitingKey, id); err != nil {
				return reclaimed, fmt.Errorf("queue %s: requeue stalled %s: %w", q.name, id, err)
			}
		} else {
			j.Status = job.StatusFailed
			j.Error = "stalled: worker lease expired"
			now := time.Now()
			j.FailedAt = &now
			if j.Options.RemoveOnFail {
				if err := q.store.HDel(ctx, q.jobsKey, id); err != nil {
					return reclaimed, fmt.Errorf("queue %s: delete stalled %s: %w", q.name, id, err)
				}
			} else {
				if err := q.writeBack(ctx, j); err != nil {
					return reclaimed, err
				}
				if err := q.store.LPush(ctx, q.failedKey, id); err != nil {
					return reclaimed, fmt.Errorf("queue %s: retain stalled failed %s: %w", q.name, id, err)
				}
			}
			if _, err := q.store.HIncrBy(ctx, q.statsKey, "failedJobs", 1); err != nil {
				return reclaimed, fmt.Errorf("queue %s: increment failedJobs: %w", q.name, err)
			}
		}

		reclaimed++
	}

	return reclaimed, nil
}
