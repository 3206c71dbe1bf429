package session

import (
	"net/http"
	"sync"
	"time"
)

// One round tripper backs every client so MCP calls and dashboard queries
// against the same RustyMail host reuse connections.
var (
	sharedTransport = sync.OnceValue(func() *http.Transport {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = 16
		t.IdleConnTimeout = 90 * time.Second
		return t
	})
	clientsByTimeout sync.Map // time.Duration -> *http.Client
)

// HTTPClient returns the process-wide client with the given overall timeout.
// Zero leaves deadlines to the request context.
func HTTPClient(timeout time.Duration) *http.Client {
	if c, ok := clientsByTimeout.Load(timeout); ok {
		return c.(*http.Client)
	}
	c, _ := clientsByTimeout.LoadOrStore(timeout, &http.Client{
		Timeout:   timeout,
		Transport: sharedTransport(),
	})
	return c.(*http.Client)
}
