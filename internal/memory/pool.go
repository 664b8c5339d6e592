package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/nexus/internal/logging"
	"github.com/normanking/nexus/internal/metrics"
)

// Processor persists the memories of one exchange.
type Processor interface {
	Process(ctx context.Context, ex Exchange) (Result, error)
}

// PoolConfig sizes the extraction pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // per exchange

	// OnDone, when set, is called after each job.
	OnDone func(Exchange, Result, error)
}

var errPanicked = errors.New("memory extraction panicked")

// Pool runs memory extraction off the turn's critical path. Jobs that do
// not fit in the queue are dropped, and failures are logged and swallowed.
type Pool struct {
	proc    Processor
	jobs    chan Exchange
	timeout time.Duration
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	onDone  func(Exchange, Result, error)
	log     zerolog.Logger
}

// NewPool starts cfg.Workers workers.
func NewPool(proc Processor, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	p := &Pool{
		proc:    proc,
		jobs:    make(chan Exchange, cfg.QueueSize),
		timeout: cfg.Timeout,
		onDone:  cfg.OnDone,
		log:     logging.Component("memory-pool"),
	}
	p.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go p.worker()
	}
	return p
}

// Enqueue schedules ex for extraction without blocking. It reports false
// when the pool is closed or full.
func (p *Pool) Enqueue(ex Exchange) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- ex:
		return true
	default:
		metrics.MemoryExtractions.WithLabelValues("dropped").Inc()
		p.log.Warn().Str("session_id", ex.SessionID).Msg("memory queue full, dropping exchange")
		return false
	}
}

// Close stops accepting work and waits for queued jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for ex := range p.jobs {
		p.run(ex)
	}
}

func (p *Pool) run(ex Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var res Result
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().Interface("panic", r).Str("session_id", ex.SessionID).Msg("memory extraction panicked")
				err = errPanicked
			}
		}()
		res, err = p.proc.Process(ctx, ex)
	}()

	switch {
	case err != nil:
		metrics.MemoryExtractions.WithLabelValues("failed").Inc()
		p.log.Warn().Err(err).Str("session_id", ex.SessionID).Msg("memory extraction failed")
	case res.Inserted+res.Reinforced == 0:
		metrics.MemoryExtractions.WithLabelValues("empty").Inc()
	default:
		metrics.MemoryExtractions.WithLabelValues("stored").Inc()
		p.log.Info().
			Str("session_id", ex.SessionID).
			Int("inserted", res.Inserted).
			Int("reinforced", res.Reinforced).
			Msg("memories stored")
	}

	if p.onDone != nil {
		p.onDone(ex, res, err)
	}
}
