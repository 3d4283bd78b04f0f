// Package worker runs sync tasks on a fixed pool of goroutines. Tasks that
// fail with a transient GitHub error are retried with exponential backoff;
// every other failure is final.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/reposync/internal/github"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("task queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("worker pool closed")
)

// Task is one asynchronous unit of work.
type Task struct {
	Name      string
	ProjectID string
	Run       func(ctx context.Context) error
}

// Config sizes the pool.
type Config struct {
	Workers         int
	QueueSize       int
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
	// TaskTimeout bounds one attempt of a task. Zero means no limit.
	TaskTimeout time.Duration
}

// DefaultConfig returns the settings used by the server.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       64,
		MaxRetries:      5,
		InitialInterval: 2 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
		TaskTimeout:     5 * time.Minute,
	}
}

// Stats counts finished tasks.
type Stats struct {
	Succeeded int64
	Failed    int64
	Retries   int64
}

// Pool is a fixed set of workers draining a buffered queue.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	tasks  chan Task
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	succeeded atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
}

// New starts a pool. The workers stop when ctx is cancelled or Close is
// called.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		tasks:  make(chan Task, cfg.QueueSize),
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		group.Go(p.work)
	}
	return p
}

// Submit queues t without blocking.
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- t:
		p.logger.Debug("task queued", "task", t.Name, "project", t.ProjectID)
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks, lets the workers drain the queue and waits for
// them.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	err := p.group.Wait()
	p.cancel()
	return err
}

// Stats returns a snapshot of the task counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Retries:   p.retries.Load(),
	}
}

func (p *Pool) work() error {
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case t, ok := <-p.tasks:
			if !ok {
				return nil
			}
			p.run(t)
		}
	}
}

func (p *Pool) backOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialInterval
	bo.MaxElapsedTime = p.cfg.MaxElapsedTime
	var b backoff.BackOff = bo
	if p.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.cfg.MaxRetries)
	}
	return backoff.WithContext(b, p.ctx)
}

func (p *Pool) run(t Task) {
	log := p.logger.With("task", t.Name, "project", t.ProjectID)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			p.retries.Add(1)
		}
		err := p.attempt(t)
		if err == nil {
			return nil
		}
		if github.IsTransient(err) {
			log.Warn("task failed, will retry", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, p.backOff())

	if err != nil {
		p.failed.Add(1)
		log.Error("task failed", "attempts", attempt, "error", err)
		return
	}
	p.succeeded.Add(1)
	log.Info("task done", "attempts", attempt)
}

func (p *Pool) attempt(t Task) (err error) {
	ctx := p.ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Run(ctx)
}
