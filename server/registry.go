package server

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// registry maps client addresses to their in-flight transfer. Entries expire
// after ttl without traffic so an abandoned transfer never pins its address.
type registry struct {
	transfers *cache.Cache
	mu        sync.Mutex
}

func newRegistry(ttl time.Duration) *registry {
	return &registry{
		transfers: cache.New(ttl, ttl),
	}
}

// claim registers t under key. It fails if key already has a live transfer.
func (r *registry) claim(key string, t *transfer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers.Add(key, t, cache.DefaultExpiration) == nil
}

// lookup returns the transfer registered under key and extends its expiry.
func (r *registry) lookup(key string) (*transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, found := r.transfers.Get(key)
	if !found {
		return nil, false
	}
	t, ok := v.(*transfer)
	if !ok {
		return nil, false
	}
	r.transfers.Set(key, t, cache.DefaultExpiration)
	return t, true
}

// release removes key if it still refers to t.
func (r *registry) release(key string, t *transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, found := r.transfers.Get(key); found && v == t {
		r.transfers.Delete(key)
	}
}

func (r *registry) count() int {
	return r.transfers.ItemCount()
}
