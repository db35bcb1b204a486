package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-errors"
	"listflow/internal/domain"
)

// Result is what a marketplace reports for one listing call.
type Result struct {
	Success   bool   `json:"success"`
	ListingID string `json:"listingId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client lists one item on a sales channel.
type Client interface {
	List(ctx context.Context, item domain.WorkItem) (Result, error)
}

type ClientFunc func(ctx context.Context, item domain.WorkItem) (Result, error)

func (f ClientFunc) List(ctx context.Context, item domain.WorkItem) (Result, error) { return f(ctx, item) }

const ErrCodeUnknownChannel = "CHANNEL_UNKNOWN"

// Registry maps channel names to their clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = c
}

func (r *Registry) Lookup(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, errors.New(fmt.Sprintf("no client for channel %q", name), errors.CategoryBadInput).
			WithTextCode(ErrCodeUnknownChannel)
	}
	return c, nil
}

// Names lists registered channels in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for n := range r.clients {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
