package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultCandidateCap = 512
	DefaultCandidateTTL = 30 * time.Second
)

// CandidatePool remembers addresses the node recently tried to dial so that
// repeated gossip of the same peer set does not produce a dial storm.
type CandidatePool struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[string]*list.Element
	order *list.List
}

type candidateEntry struct {
	addr      string
	expiresAt time.Time
}

func NewCandidatePool(capacity int, ttl time.Duration) *CandidatePool {
	if capacity <= 0 {
		capacity = DefaultCandidateCap
	}
	if ttl <= 0 {
		ttl = DefaultCandidateTTL
	}
	return &CandidatePool{
		cap:   capacity,
		ttl:   ttl,
		now:   time.Now,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

// TryAdd records addr and reports true, unless addr is already held and has
// not expired, in which case it reports false.
func (c *CandidatePool) TryAdd(addr string) bool {
	if addr == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if _, ok := c.hot[addr]; ok {
		return false
	}
	if c.cap > 0 && len(c.hot) >= c.cap {
		c.evictLocked(len(c.hot) - c.cap + 1)
	}
	ent := &candidateEntry{addr: addr, expiresAt: c.now().Add(c.ttl)}
	c.hot[addr] = c.order.PushFront(ent)
	return true
}

func (c *CandidatePool) Has(addr string) bool {
	c.mu.Lock()
	c.pruneLocked()
	_, ok := c.hot[addr]
	c.mu.Unlock()
	return ok
}

func (c *CandidatePool) Remove(addr string) {
	c.mu.Lock()
	if el, ok := c.hot[addr]; ok {
		delete(c.hot, addr)
		c.order.Remove(el)
	}
	c.mu.Unlock()
}

func (c *CandidatePool) List() []string {
	c.mu.Lock()
	c.pruneLocked()
	out := make([]string, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*candidateEntry)
		out = append(out, ent.addr)
	}
	c.mu.Unlock()
	return out
}

func (c *CandidatePool) pruneLocked() {
	now := c.now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*candidateEntry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(c.hot, ent.addr)
		c.order.Remove(el)
		el = prev
	}
}

func (c *CandidatePool) evictLocked(n int) {
	for n > 0 {
		el := c.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*candidateEntry)
		delete(c.hot, ent.addr)
		c.order.Remove(el)
		n--
	}
}
