package worker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// DefaultResubmitTimeout bounds the detached resubmission of a cancelled item.
const DefaultResubmitTimeout = 5 * time.Second

// Config controls the pool and the workers it builds.
type Config struct {
	Seeds        []string
	SeedPriority int
	// MaxRetries is how many times a failed fetch is resubmitted.
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ResubmitTimeout time.Duration
}

// Pool builds worker slots sharing one Registry.
type Pool struct {
	registry *Registry
	retry    crawler.RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

// NewPool builds a Pool. Seeds whose handlers cannot be resolved are a
// configuration error.
func NewPool(registry *Registry, cfg Config, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResubmitTimeout <= 0 {
		cfg.ResubmitTimeout = DefaultResubmitTimeout
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", cfg.MaxRetries)
	}
	p := &Pool{
		registry: registry,
		retry:    crawler.NewExponentialRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		cfg:      cfg,
		logger:   logger,
	}
	if err := registry.Validate(p.Seeds()...); err != nil {
		return nil, fmt.Errorf("validate seeds: %w", err)
	}
	return p, nil
}

// WithRetryPolicy replaces the default exponential policy.
func (p *Pool) WithRetryPolicy(policy crawler.RetryPolicy) *Pool {
	p.retry = policy
	return p
}

// Seeds returns the initial work list.
func (p *Pool) Seeds() []crawler.WorkItem {
	items := make([]crawler.WorkItem, 0, len(p.cfg.Seeds))
	for _, target := range p.cfg.Seeds {
		items = append(items, crawler.NewWorkItem(target, crawler.WithPriority(p.cfg.SeedPriority)))
	}
	return items
}

// NewSlot builds a Worker named name reporting to coord.
func (p *Pool) NewSlot(name string, coord crawler.Coordinator) (crawler.Slot, error) {
	if coord == nil {
		return nil, fmt.Errorf("worker %s: coordinator is required", name)
	}
	return &Worker{
		name:            name,
		coord:           coord,
		registry:        p.registry,
		retry:           p.retry,
		resubmitTimeout: p.cfg.ResubmitTimeout,
		logger:          p.logger.With(zap.String("worker", name)),
		inbox:           make(chan crawler.WorkItem, 1),
		stop:            make(chan struct{}),
	}, nil
}
