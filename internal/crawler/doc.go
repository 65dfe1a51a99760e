// Package crawler defines the work item model and the contracts shared by the
// filter, queue, scheduler, dispatcher, and worker packages.
package crawler
