package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

// ErrUnknownHandler is returned when a work item names an unregistered
// fetcher or parser.
var ErrUnknownHandler = errors.New("unknown handler")

// Registry resolves the handler names carried by work items. The empty
// name selects the default handler.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]crawler.Fetcher
	parsers  map[string]crawler.Parser
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		fetchers: make(map[string]crawler.Fetcher),
		parsers:  make(map[string]crawler.Parser),
	}
}

// RegisterFetcher binds name to f.
func (r *Registry) RegisterFetcher(name string, f crawler.Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[name] = f
}

// RegisterParser binds name to p.
func (r *Registry) RegisterParser(name string, p crawler.Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[name] = p
}

// Fetcher resolves a fetcher by name.
func (r *Registry) Fetcher(name string) (crawler.Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[name]
	if !ok {
		return nil, fmt.Errorf("fetcher %q: %w", name, ErrUnknownHandler)
	}
	return f, nil
}

// Parser resolves a parser by name.
func (r *Registry) Parser(name string) (crawler.Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[name]
	if !ok {
		return nil, fmt.Errorf("parser %q: %w", name, ErrUnknownHandler)
	}
	return p, nil
}

// Validate reports every item whose handlers cannot be resolved.
func (r *Registry) Validate(items ...crawler.WorkItem) error {
	var errs []error
	for _, item := range items {
		if err := r.check(item); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", item.Target, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) check(item crawler.WorkItem) error {
	if _, err := r.Fetcher(item.FetcherRef); err != nil {
		return err
	}
	if _, err := r.Parser(item.ParserRef); err != nil {
		return err
	}
	return nil
}
