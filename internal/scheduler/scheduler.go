// Package scheduler implements bounded-concurrency admission control for
// a run's tasks: at most K in flight, staggered cold-start launches,
// immediate refill on completion, FIFO fairness, and a clean drain once
// every task has reached a terminal state.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultStagger is the minimum inter-launch delay during the cold-start
// ramp.
const DefaultStagger = 10 * time.Second

// Job is one unit of work the Scheduler admits and drains. Run must not
// return until the job has reached a terminal, already-persisted outcome:
// the scheduler treats Run returning as "this job is done," full stop.
// *session.Driver satisfies this directly.
type Job interface {
	Run(ctx context.Context)
}

// Config bounds one Schedule call.
type Config struct {
	Concurrency int           // K; at most this many jobs in flight at once
	Stagger     time.Duration // D; zero means DefaultStagger
}

// Schedule admits jobs in FIFO order, launching at most cfg.Concurrency at
// a time. Consecutive launches are separated by at least cfg.Stagger
// unless a job has completed since the previous launch; a completion lets
// the next launch happen immediately regardless of the stagger timer.
// Schedule returns only after every job has returned from
// Run. If ctx is cancelled, unspawned jobs are dropped from the queue and
// Schedule waits for in-flight jobs to observe the same ctx and wind down
// on their own; a panicking Job is recovered and logged rather than
// allowed to abort the batch.
func Schedule(ctx context.Context, jobs []Job, cfg Config, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Stagger <= 0 {
		cfg.Stagger = DefaultStagger
	}

	queue := append([]Job(nil), jobs...)

	var (
		mu       sync.Mutex
		inFlight int
	)
	// completed is the edge-triggered re-evaluation signal: a non-blocking
	// send is fine to drop since the launch loop below re-checks its
	// predicate on every iteration regardless.
	completed := make(chan struct{}, 1)
	signalCompleted := func() {
		select {
		case completed <- struct{}{}:
		default:
		}
	}

	// A plain errgroup.Group (no WithContext) just gives Wait()-for-all
	// semantics over goroutines; every job func recovers its own panic and
	// always returns nil, so a single job's failure never makes Wait
	// return early or cancel its siblings.
	var g errgroup.Group

	launch := func(j Job) {
		mu.Lock()
		inFlight++
		mu.Unlock()
		g.Go(func() error {
			defer func() {
				mu.Lock()
				inFlight--
				mu.Unlock()
				signalCompleted()
			}()
			defer func() {
				if r := recover(); r != nil {
					log.Error("scheduler: recovered panic from job", "panic", r)
				}
			}()
			j.Run(ctx)
			return nil
		})
	}

	var lastLaunch time.Time
	completionSinceLaunch := true // true at cold start so the very first launch never waits

	for {
		mu.Lock()
		n := inFlight
		mu.Unlock()
		remaining := len(queue)

		if remaining == 0 && n == 0 {
			break
		}

		if remaining == 0 {
			// Nothing left to launch (queue drained or aborted by
			// cancellation below): just wait for an in-flight job to
			// finish. Deliberately not selecting on ctx.Done() here too —
			// once the queue is empty there is nothing left for
			// cancellation to abort, and racing an already-closed
			// ctx.Done() against completed would spin this loop instead
			// of blocking until the next real completion.
			<-completed
			completionSinceLaunch = true
			continue
		}

		if n >= cfg.Concurrency {
			select {
			case <-completed:
				completionSinceLaunch = true
			case <-ctx.Done():
				queue = nil
			}
			continue
		}

		if ctx.Err() != nil {
			queue = nil
			continue
		}

		if !lastLaunch.IsZero() && !completionSinceLaunch {
			wait := cfg.Stagger - time.Since(lastLaunch)
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-completed:
					timer.Stop()
					completionSinceLaunch = true
				case <-ctx.Done():
					timer.Stop()
					queue = nil
					continue
				}
			}
		}

		j := queue[0]
		queue = queue[1:]
		launch(j)
		lastLaunch = time.Now()
		completionSinceLaunch = false
	}

	_ = g.Wait()
}
