package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"rosterd/internal/model"
)

// Store is the slice of the repository the engine needs. Both physical
// stores satisfy it; tests use in-memory fakes.
type Store interface {
	ListStudents(ctx context.Context) ([]model.Student, error)
	GetByStudentID(ctx context.Context, studentID string) (model.Student, error)
	UpsertFromSync(ctx context.Context, student model.Student) error
}

// HealthFunc reports whether both stores are currently usable. A pass is
// skipped entirely when they are not.
type HealthFunc func(ctx context.Context) bool

// Locker guards a pass against concurrent passes from other instances.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

var (
	ErrStoresUnhealthy = errors.New("stores not healthy, sync skipped")
	ErrLockHeld        = errors.New("sync lock held elsewhere, sync skipped")
)

type PassResult struct {
	LocalToRemote int `json:"localToRemote"`
	RemoteToLocal int `json:"remoteToLocal"`
}

func (r PassResult) Copied() int {
	return r.LocalToRemote + r.RemoteToLocal
}

// Status is a snapshot of the engine for operators and tests.
type Status struct {
	State      string    `json:"state"` // idle | running
	LastRun    time.Time `json:"lastRun"`
	LastError  string    `json:"lastError,omitempty"`
	LastCopied int       `json:"lastCopied"`
}

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Locker   Locker
	Healthy  HealthFunc
}

type Engine struct {
	local    Store
	remote   Store
	healthy  HealthFunc
	interval time.Duration
	timeout  time.Duration
	locker   Locker
	group    singleflight.Group

	mu     sync.Mutex
	status Status
}

func New(local, remote Store, opts Options) *Engine {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	healthy := opts.Healthy
	if healthy == nil {
		healthy = func(context.Context) bool { return true }
	}
	return &Engine{
		local:    local,
		remote:   remote,
		healthy:  healthy,
		interval: interval,
		timeout:  timeout,
		locker:   opts.Locker,
		status:   Status{State: "idle"},
	}
}

// Start runs one pass immediately and then on every interval tick until the
// context is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		if _, err := e.TriggerNow(ctx); err != nil {
			log.Printf("startup sync pass: %v", err)
		}

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.TriggerNow(ctx); err != nil {
					log.Printf("scheduled sync pass: %v", err)
				}
			}
		}
	}()
}

// TriggerNow runs a pass, coalescing with any pass already in flight:
// concurrent callers share the running pass and its result instead of
// interleaving a second one.
func (e *Engine) TriggerNow(ctx context.Context) (PassResult, error) {
	value, err, _ := e.group.Do("pass", func() (interface{}, error) {
		return e.runPass(ctx)
	})
	result, _ := value.(PassResult)
	return result, err
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) setRunning() {
	e.mu.Lock()
	e.status.State = "running"
	e.mu.Unlock()
}

func (e *Engine) setFinished(result PassResult, err error) {
	e.mu.Lock()
	e.status.State = "idle"
	e.status.LastRun = time.Now().UTC()
	e.status.LastCopied = result.Copied()
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()
}

func (e *Engine) runPass(ctx context.Context) (PassResult, error) {
	passCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if !e.healthy(passCtx) {
		e.setFinished(PassResult{}, ErrStoresUnhealthy)
		return PassResult{}, ErrStoresUnhealthy
	}

	if e.locker != nil {
		acquired, err := e.locker.Acquire(passCtx)
		if err != nil {
			err = fmt.Errorf("sync lock: %w", err)
			e.setFinished(PassResult{}, err)
			return PassResult{}, err
		}
		if !acquired {
			e.setFinished(PassResult{}, ErrLockHeld)
			return PassResult{}, ErrLockHeld
		}
		defer e.locker.Release(passCtx)
	}

	e.setRunning()
	passesTotal.Inc()

	var result PassResult
	var firstErr error

	copied, err := syncDirection(passCtx, e.local, e.remote, "local_to_remote")
	result.LocalToRemote = copied
	if err != nil {
		firstErr = err
	}

	copied, err = syncDirection(passCtx, e.remote, e.local, "remote_to_local")
	result.RemoteToLocal = copied
	if err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		passErrorsTotal.Inc()
	}
	e.setFinished(result, firstErr)
	return result, firstErr
}

// syncDirection pushes every record from src that is missing or stale in dst.
// Conflict resolution is last-write-wins on updatedAt; equal timestamps are a
// no-op. Per-record failures are logged and do not stop the sweep; the pass
// stays best-effort and the next scheduled pass retries.
func syncDirection(ctx context.Context, src, dst Store, direction string) (int, error) {
	students, err := src.ListStudents(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s list: %w", direction, err)
	}

	copied := 0
	var lastErr error
	for _, student := range students {
		target, err := dst.GetByStudentID(ctx, student.StudentID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			// absent in target: insert a copy
		case err != nil:
			log.Printf("sync %s lookup %s: %v", direction, student.StudentID, err)
			lastErr = err
			continue
		case student.UpdatedAt.After(target.UpdatedAt):
			// stale in target: overwrite with the full source record
		default:
			continue
		}

		if err := dst.UpsertFromSync(ctx, student); err != nil {
			log.Printf("sync %s write %s: %v", direction, student.StudentID, err)
			lastErr = err
			continue
		}
		copied++
		copiedTotal.WithLabelValues(direction).Inc()
	}
	return copied, lastErr
}
