// Package cache holds origin responses in memory, keyed by request method and
// path-and-query.
//
// A Store is guarded by a single mutex that is held only for map operations.
// Origin fetches always run with the lock released: Load looks up under the
// lock, fetches unlocked, then re-acquires the lock briefly to insert.
//
// Values are cloned on the way in and on the way out, so a stored response is
// never reachable by a caller and never changes after it is inserted.
package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/golang/groupcache/lru"

	"slow-proxy-go/internal/model"
)

// Key identifies a cacheable response. The authority is not part of the key:
// every request reaching the cache was addressed to the same front-end host.
type Key struct {
	Method string
	Target string
}

func (k Key) String() string {
	return k.Method + " " + k.Target
}

// Outcome reports how Load satisfied a request.
type Outcome string

const (
	// Hit means the response came from the cache.
	Hit Outcome = "hit"
	// Miss means this caller fetched the response from the origin.
	Miss Outcome = "miss"
	// Shared means this caller waited on another caller's origin fetch.
	Shared Outcome = "shared"
)

// FetchFunc retrieves a response from the origin.
type FetchFunc func(ctx context.Context) (*model.ProxyResponse, error)

// Options configures a Store.
type Options struct {
	// MaxEntries bounds the store; the least recently used entry is evicted
	// when it is exceeded. Zero means no bound.
	MaxEntries int
	// Coalesce makes concurrent misses on the same key wait for a single
	// origin fetch instead of each fetching independently.
	Coalesce bool
}

// Entry describes one cached response without exposing its body.
type Entry struct {
	Key        Key
	StatusCode int
	Size       int
}

// call is an in-flight origin fetch that other callers may wait on.
type call struct {
	done chan struct{}
	res  *model.ProxyResponse
	err  error
}

// Store is a process-wide response cache. The zero value is not usable; use New.
type Store struct {
	mu       sync.Mutex // protects entries, recency and inflight
	entries  map[Key]*model.ProxyResponse
	recency  *lru.Cache // nil when unbounded
	inflight map[Key]*call
	coalesce bool
}

// New returns an empty Store.
func New(opts Options) *Store {
	s := &Store{
		entries:  make(map[Key]*model.ProxyResponse),
		inflight: make(map[Key]*call),
		coalesce: opts.Coalesce,
	}
	if opts.MaxEntries > 0 {
		s.recency = lru.New(opts.MaxEntries)
		// Runs inside recency.Add, with s.mu already held.
		s.recency.OnEvicted = func(k lru.Key, _ any) {
			delete(s.entries, k.(Key))
		}
	}
	return s
}

// Lookup returns a copy of the response stored under key.
func (s *Store) Lookup(key Key) (*model.ProxyResponse, bool) {
	s.mu.Lock()
	res, ok := s.get(key)
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return res.Clone(), true
}

// Insert stores a copy of res under key, replacing any previous value.
func (s *Store) Insert(key Key, res *model.ProxyResponse) {
	stored := res.Clone()
	s.mu.Lock()
	s.put(key, stored)
	s.mu.Unlock()
}

// Load returns the response for key, calling fetch on a miss and storing its
// result. Failed fetches are never stored. The returned response is owned by
// the caller.
func (s *Store) Load(ctx context.Context, key Key, fetch FetchFunc) (*model.ProxyResponse, Outcome, error) {
	for {
		s.mu.Lock()
		if res, ok := s.get(key); ok {
			s.mu.Unlock()
			return res.Clone(), Hit, nil
		}

		if !s.coalesce {
			s.mu.Unlock()
			res, err := fetch(ctx)
			if err != nil {
				return nil, Miss, err
			}
			s.Insert(key, res)
			return res, Miss, nil
		}

		if c, ok := s.inflight[key]; ok {
			s.mu.Unlock()
			select {
			case <-c.done:
			case <-ctx.Done():
				return nil, Shared, ctx.Err()
			}
			if c.err != nil {
				// The leader's client went away; this caller is still here.
				if errors.Is(c.err, context.Canceled) && ctx.Err() == nil {
					continue
				}
				return nil, Shared, c.err
			}
			return c.res.Clone(), Shared, nil
		}

		c := &call{done: make(chan struct{})}
		s.inflight[key] = c
		s.mu.Unlock()

		res, err := s.lead(ctx, key, c, fetch)
		return res, Miss, err
	}
}

// lead performs the fetch for an in-flight call and publishes its result.
// Waiters are released even if fetch panics.
func (s *Store) lead(ctx context.Context, key Key, c *call, fetch FetchFunc) (*model.ProxyResponse, error) {
	defer func() {
		if p := recover(); p != nil {
			c.res, c.err = nil, fmt.Errorf("cache: fetch for %s panicked: %v", key, p)
			s.complete(key, c)
			panic(p)
		}
	}()

	c.res, c.err = fetch(ctx)
	s.complete(key, c)
	if c.err != nil {
		return nil, c.err
	}
	return c.res.Clone(), nil
}

func (s *Store) complete(key Key, c *call) {
	s.mu.Lock()
	if c.err == nil {
		s.put(key, c.res.Clone())
	}
	delete(s.inflight, key)
	s.mu.Unlock()
	close(c.done)
}

// Len returns the number of cached responses.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries lists the cached responses ordered by key.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for k, res := range s.entries {
		out = append(out, Entry{Key: k, StatusCode: res.StatusCode, Size: len(res.Body)})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.Key.Target, b.Key.Target), cmp.Compare(a.Key.Method, b.Key.Method))
	})
	return out
}

// get and put require s.mu.

func (s *Store) get(key Key) (*model.ProxyResponse, bool) {
	res, ok := s.entries[key]
	if ok && s.recency != nil {
		s.recency.Get(key)
	}
	return res, ok
}

func (s *Store) put(key Key, res *model.ProxyResponse) {
	s.entries[key] = res
	if s.recency != nil {
		s.recency.Add(key, nil)
	}
}
