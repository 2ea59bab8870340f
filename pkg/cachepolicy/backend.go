package cachepolicy

import (
	"container/list"
	"sync"
	"time"

	"github.com/corehttp/engine/pkg/message"
)

// Entry is a stored response, keyed by request method and URL (see Key). Body
// is buffered in full since only GET/HEAD responses without a body of
// unknown-forever length are ever cached.
type Entry struct {
	Code           int
	Headers        *message.Headers
	Body           []byte
	RequestHeaders *message.Headers // the original request's headers, for Vary revalidation
	Handshake      *message.Handshake
	SentAt         time.Time
	ReceivedAt     time.Time
}

// Backend is the injected cache storage interface (SPEC_FULL.md §6 "cache
// backend: key → entry, key + entry → void, key → void"). The default
// implementation is MemoryBackend; on-disk formats are an explicit
// Non-goal.
type Backend interface {
	Get(key string) (*Entry, bool)
	Put(key string, entry *Entry)
	Remove(key string)
}

// Key returns the cache key for req: method-qualified so a POST to the same
// URL invalidates rather than collides with a cached GET.
func Key(req *message.Request) string {
	return req.Method + " " + req.URL.String()
}

// MemoryBackend is an in-memory LRU cache backend, the engine's default
// (SPEC_FULL.md §6), grounded on the teacher's bounded in-memory structures
// (pkg/pool's idle-connection LRU eviction in the rebuilt pool.go) applied
// to a key/entry map instead of connections.
type MemoryBackend struct {
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type memoryEntry struct {
	key   string
	entry *Entry
}

// NewMemoryBackend returns a Backend holding at most maxEntries responses,
// evicting least-recently-used entries once full.
func NewMemoryBackend(maxEntries int) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryBackend{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (b *MemoryBackend) Get(key string) (*Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	b.order.MoveToFront(el)
	return el.Value.(*memoryEntry).entry, true
}

func (b *MemoryBackend) Put(key string, entry *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.entries[key]; ok {
		el.Value.(*memoryEntry).entry = entry
		b.order.MoveToFront(el)
		return
	}
	el := b.order.PushFront(&memoryEntry{key: key, entry: entry})
	b.entries[key] = el
	if b.order.Len() > b.maxEntries {
		oldest := b.order.Back()
		if oldest != nil {
			b.order.Remove(oldest)
			delete(b.entries, oldest.Value.(*memoryEntry).key)
		}
	}
}

func (b *MemoryBackend) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.entries[key]; ok {
		b.order.Remove(el)
		delete(b.entries, key)
	}
}

// WriteCoalescer ensures concurrent cache misses for the same key perform at
// most one write-through: the first caller to arrive for a key "wins" and
// performs the write; later concurrent arrivals for the same key are told
// they lost the race and should skip writing (SPEC_FULL.md §4.9 "the first
// writer wins"). Grounded on pool.Pool's dialCoalesced single-flight pattern.
type WriteCoalescer struct {
	mu      sync.Mutex
	writing map[string]struct{}
}

// NewWriteCoalescer returns an empty WriteCoalescer.
func NewWriteCoalescer() *WriteCoalescer {
	return &WriteCoalescer{writing: make(map[string]struct{})}
}

// Begin claims the right to write key's cache entry, returning true if the
// caller won the race. The caller must call Done(key) once finished,
// regardless of whether it won.
func (c *WriteCoalescer) Begin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.writing[key]; busy {
		return false
	}
	c.writing[key] = struct{}{}
	return true
}

// Done releases the claim on key, permitting a future write to proceed.
func (c *WriteCoalescer) Done(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.writing, key)
}
