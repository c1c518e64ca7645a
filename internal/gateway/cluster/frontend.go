// Package cluster is a thin local-dev/test fronting layer for running more
// than one Gateway process behind one address. It narrows the teacher's
// internal/multi (Shard + LoadBalancer): production cross-gateway routing
// in this design is the Registry's job (§4.1), not the Gateway's, so there
// is no BroadcastBus or KafkaConsumerPool here — only the admission-control
// shape of the teacher's LoadBalancer, reused for local multi-instance dev
// setups and load tests.
package cluster

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
)

// Backend is one fronted Gateway instance: an address to proxy to and a
// connection-slot semaphore, the same acquire/release shape as the
// teacher's Shard.TryAcquireSlot/ReleaseSlot.
type Backend struct {
	Addr           string
	MaxConnections int

	slots chan struct{}
	proxy http.Handler
}

// NewBackend builds a Backend and its reverse proxy. Grounded on the
// teacher's LoadBalancer's use of a WebSocket-aware proxy per shard;
// httputil.ReverseProxy is used here instead of koding/websocketproxy
// (the teacher's actual import, never added to the teacher's own go.mod)
// since Gateway already terminates the WebSocket handshake itself via
// gobwas/ws, so fronting it only needs to forward the raw HTTP upgrade
// request, which ReverseProxy's hop-by-hop-header handling supports
// directly.
func NewBackend(addr string, maxConnections int) (*Backend, error) {
	target, err := url.Parse("http://" + addr)
	if err != nil {
		return nil, err
	}
	slots := make(chan struct{}, maxConnections)
	for i := 0; i < maxConnections; i++ {
		slots <- struct{}{}
	}
	return &Backend{
		Addr:           addr,
		MaxConnections: maxConnections,
		slots:          slots,
		proxy:          httputil.NewSingleHostReverseProxy(target),
	}, nil
}

// TryAcquireSlot reserves a connection slot non-blockingly.
func (b *Backend) TryAcquireSlot() bool {
	select {
	case <-b.slots:
		return true
	default:
		return false
	}
}

// ReleaseSlot returns a connection slot to the pool.
func (b *Backend) ReleaseSlot() {
	select {
	case b.slots <- struct{}{}:
	default:
	}
}

// AvailableSlots reports free capacity, used by Frontend's selection.
func (b *Backend) AvailableSlots() int {
	return len(b.slots)
}

// Frontend picks the backend with the most available slots per incoming
// connection, the same "most available slots first" strategy as the
// teacher's LoadBalancer.selectAndAcquireShard, narrowed to proxy over
// plain HTTP instead of running its own shard lifecycle.
type Frontend struct {
	mu       sync.Mutex
	backends []*Backend
	logger   zerolog.Logger
}

func NewFrontend(logger zerolog.Logger, backends ...*Backend) *Frontend {
	return &Frontend{backends: backends, logger: logger}
}

func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	backend := f.acquire()
	if backend == nil {
		http.Error(w, "no gateway backend available", http.StatusServiceUnavailable)
		return
	}
	defer backend.ReleaseSlot()
	backend.proxy.ServeHTTP(w, r)
}

func (f *Frontend) acquire() *Backend {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *Backend
	bestSlots := -1
	for _, b := range f.backends {
		if s := b.AvailableSlots(); s > bestSlots {
			bestSlots = s
			best = b
		}
	}
	if best == nil || bestSlots == 0 {
		return nil
	}
	if !best.TryAcquireSlot() {
		return nil
	}
	return best
}
