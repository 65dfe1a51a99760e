// Package filter decides whether discovered work is new and within policy.
//
// Checks run cheapest first: scheme, host, path depth, redirect count, and
// finally the durable duplicate check against a SeenStore. Only an exact
// SeenStore gives at-most-once admission; a probabilistic store may reject
// a genuinely new target with its configured false-positive rate.
package filter

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// SeenStore records fingerprints of admitted targets.
type SeenStore interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
	MarkSeen(ctx context.Context, fingerprint string) error
	Close() error
}

// Config holds the admission policy.
type Config struct {
	// Schemes allowed; empty means http and https.
	Schemes []string
	// HostOnly restricts admission to Hosts plus hosts added via AllowHosts.
	HostOnly bool
	Hosts    []string
	// MaxDepth caps the path segment count; 0 disables the check.
	MaxDepth int
	// MaxRedirect caps WorkItem.RedirectCount; 0 disables the check.
	MaxRedirect int
}

// Reason labels why an item was or was not admitted.
type Reason string

// Admission outcomes.
const (
	ReasonAdmitted  Reason = "admitted"
	ReasonScheme    Reason = "scheme"
	ReasonHost      Reason = "host"
	ReasonDepth     Reason = "depth"
	ReasonRedirect  Reason = "redirect"
	ReasonDuplicate Reason = "duplicate"
	ReasonInvalid   Reason = "invalid"
)

// Observer receives admission outcomes, e.g. for metrics.
type Observer func(reason Reason)

// Filter gates work items before they reach the queue.
type Filter struct {
	store   SeenStore
	schemes map[string]struct{}
	cfg     Config
	logger  *zap.Logger
	observe Observer

	hostsMu sync.RWMutex
	hosts   map[string]struct{}

	// seenMu makes the Seen/MarkSeen pair atomic.
	seenMu sync.Mutex

	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

// New builds a Filter over store.
func New(cfg Config, store SeenStore, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	schemes := cfg.Schemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	f := &Filter{
		store:   store,
		schemes: make(map[string]struct{}, len(schemes)),
		cfg:     cfg,
		logger:  logger,
		hosts:   make(map[string]struct{}, len(cfg.Hosts)),
	}
	for _, s := range schemes {
		f.schemes[strings.ToLower(s)] = struct{}{}
	}
	for _, h := range cfg.Hosts {
		f.addHost(h)
	}
	return f
}

// SetObserver installs a callback invoked once per Allowed decision.
func (f *Filter) SetObserver(observe Observer) {
	f.observe = observe
}

// AllowHosts extends the host allow-set with the hosts of targets, typically
// the seed list.
func (f *Filter) AllowHosts(targets ...string) {
	for _, target := range targets {
		host, err := crawler.HostOf(target)
		if err != nil || host == "" {
			f.logger.Warn("skip unparseable seed host", zap.String("target", target), zap.Error(err))
			continue
		}
		f.addHost(host)
	}
}

func (f *Filter) addHost(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return
	}
	f.hostsMu.Lock()
	f.hosts[host] = struct{}{}
	f.hostsMu.Unlock()
}

// Allowed reports whether item passes every check. A passing item is marked
// seen. A store failure is returned as an error and nothing is admitted.
func (f *Filter) Allowed(ctx context.Context, item crawler.WorkItem) (bool, error) {
	reason, err := f.check(ctx, item)
	if err != nil {
		return false, err
	}
	if f.observe != nil {
		f.observe(reason)
	}
	if reason != ReasonAdmitted {
		f.logger.Debug("item rejected",
			zap.String("target", item.Target),
			zap.String("reason", string(reason)),
		)
		return false, nil
	}
	return true, nil
}

func (f *Filter) check(ctx context.Context, item crawler.WorkItem) (Reason, error) {
	u, err := url.Parse(item.Target)
	if err != nil {
		return ReasonInvalid, nil
	}
	if _, ok := f.schemes[strings.ToLower(u.Scheme)]; !ok {
		return ReasonScheme, nil
	}
	if f.cfg.HostOnly && !f.hostAllowed(strings.ToLower(u.Hostname())) {
		return ReasonHost, nil
	}
	if f.cfg.MaxDepth > 0 && crawler.PathDepth(u) > f.cfg.MaxDepth {
		return ReasonDepth, nil
	}
	if f.cfg.MaxRedirect > 0 && item.RedirectCount > f.cfg.MaxRedirect {
		return ReasonRedirect, nil
	}

	normalized, err := crawler.NormalizeURL(item.Target)
	if err != nil {
		return ReasonInvalid, nil
	}
	fp := Fingerprint(normalized)

	f.seenMu.Lock()
	defer f.seenMu.Unlock()
	seen, err := f.store.Seen(ctx, fp)
	if err != nil {
		return "", fmt.Errorf("check seen %q: %w", item.Target, err)
	}
	if seen {
		return ReasonDuplicate, nil
	}
	if err := f.store.MarkSeen(ctx, fp); err != nil {
		return "", fmt.Errorf("mark seen %q: %w", item.Target, err)
	}
	return ReasonAdmitted, nil
}

func (f *Filter) hostAllowed(host string) bool {
	f.hostsMu.RLock()
	defer f.hostsMu.RUnlock()
	_, ok := f.hosts[host]
	return ok
}

// Close releases the backing store. Later calls log and return the first
// result.
func (f *Filter) Close() error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if f.closed {
		f.logger.Warn("filter already closed")
		return f.closeErr
	}
	f.closed = true
	if err := f.store.Close(); err != nil {
		f.closeErr = fmt.Errorf("close seen store: %w", err)
	}
	return f.closeErr
}
