package crawler

import "context"

// Fetcher retrieves the resource a WorkItem points at.
type Fetcher interface {
	Fetch(ctx context.Context, item WorkItem) (Response, error)
}

// Parser extracts follow-up work from a fetched response.
type Parser interface {
	Parse(ctx context.Context, resp Response) ([]WorkItem, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, item WorkItem) (Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, item WorkItem) (Response, error) {
	return f(ctx, item)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(ctx context.Context, resp Response) ([]WorkItem, error)

// Parse calls f.
func (f ParserFunc) Parse(ctx context.Context, resp Response) ([]WorkItem, error) {
	return f(ctx, resp)
}

// Submitter accepts discovered work. It is the only path back into the
// queue available to workers.
type Submitter interface {
	Submit(ctx context.Context, items ...WorkItem) (int, error)
}

// Coordinator is the surface a worker slot uses to take part in dispatch.
type Coordinator interface {
	Submitter
	// RegisterIdle announces that slot can accept an item.
	RegisterIdle(slot Slot)
	// Completed reports that slot finished its current item. It must be
	// called exactly once per delivered item.
	Completed(slot Slot)
}

// Slot is one worker seat managed by the dispatcher.
type Slot interface {
	Name() string
	// Deliver hands item to an idle slot. It does not block.
	Deliver(item WorkItem) error
	// Stop asks the slot to leave its receive loop.
	Stop()
	// Run registers the slot as idle and processes deliveries until stopped.
	Run(ctx context.Context) error
}

// SlotFactory builds worker slots and supplies the initial work list.
type SlotFactory interface {
	Seeds() []WorkItem
	NewSlot(name string, coord Coordinator) (Slot, error)
}
