package crawler

import (
	"maps"
	"net/http"
	"time"
)

// DefaultPriority is assigned to work items that do not set one.
const DefaultPriority = 3

// WorkItem is the unit of scheduled work.
type WorkItem struct {
	Target          string         `json:"target"`
	Priority        int            `json:"priority"`
	FetcherRef      string         `json:"fetcher_ref,omitempty"`
	ParserRef       string         `json:"parser_ref,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	RedirectCount   int            `json:"redirect_count"`
	RetryCount      int            `json:"retry_count"`
	AdmissionBypass bool           `json:"admission_bypass,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// ItemOption customizes a WorkItem built by NewWorkItem.
type ItemOption func(*WorkItem)

// WithPriority overrides the default priority.
func WithPriority(priority int) ItemOption {
	return func(item *WorkItem) {
		item.Priority = priority
	}
}

// WithHandlers sets the fetcher and parser registry names.
func WithHandlers(fetcherRef, parserRef string) ItemOption {
	return func(item *WorkItem) {
		item.FetcherRef = fetcherRef
		item.ParserRef = parserRef
	}
}

// WithBypass marks the item to skip admission checks.
func WithBypass() ItemOption {
	return func(item *WorkItem) {
		item.AdmissionBypass = true
	}
}

// WithExtra attaches an opaque payload.
func WithExtra(extra map[string]any) ItemOption {
	return func(item *WorkItem) {
		item.Extra = extra
	}
}

// NewWorkItem builds a WorkItem for target stamped with the current time.
func NewWorkItem(target string, opts ...ItemOption) WorkItem {
	item := WorkItem{
		Target:    target,
		Priority:  DefaultPriority,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&item)
	}
	return item
}

// Redirected derives the follow-up item for a redirect to location.
// Handlers and a copy of the payload carry over; the retry counter resets.
func (w WorkItem) Redirected(location string) WorkItem {
	next := w
	next.Extra = maps.Clone(w.Extra)
	next.Target = location
	next.RedirectCount = w.RedirectCount + 1
	next.RetryCount = 0
	next.AdmissionBypass = false
	next.CreatedAt = time.Now().UTC()
	return next
}

// Response is the result of fetching a WorkItem.
type Response struct {
	Item       WorkItem
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	// Location is set when the fetch stopped at a redirect.
	Location string
}

// IsRedirect reports whether the response points somewhere else.
func (r Response) IsRedirect() bool {
	return r.Location != "" && r.StatusCode >= 300 && r.StatusCode < 400
}
