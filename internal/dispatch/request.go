package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dk5761/pagegate/pkg/fetch"
)

// Request is one unit of work against the rendering context. Once enqueued
// it is owned exclusively by the Dispatcher; the caller only holds the
// Pending handle.
type Request struct {
	ID          string
	Kind        fetch.Kind
	URL         string
	Body        string
	Headers     map[string]string
	Timeout     time.Duration
	OriginReady bool // scripted-post: context already navigated to the target origin

	pending *Pending
}

// NewRequest creates a request with a fresh ID. The ID doubles as the
// navigation correlation token.
func NewRequest(kind fetch.Kind, url string) *Request {
	return &Request{
		ID:      uuid.NewString(),
		Kind:    kind,
		URL:     url,
		pending: newPending(),
	}
}

// Pending is the caller-side future for an enqueued request. It resolves
// exactly once: success, error, or timeout.
type Pending struct {
	once sync.Once
	done chan struct{}
	page fetch.Page
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// resolve completes the future. Late resolutions are ignored: the Dispatcher
// may have already timed the request out and moved on.
func (p *Pending) resolve(page fetch.Page, err error) {
	p.once.Do(func() {
		p.page = page
		p.err = err
		close(p.done)
	})
}

// Wait blocks until the request resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (fetch.Page, error) {
	select {
	case <-p.done:
		return p.page, p.err
	case <-ctx.Done():
		return fetch.Page{}, ctx.Err()
	}
}
