package embedded

import "sync"

// --- Test 1: Embedded Mutex re-locked through a method ---

type Counter struct {
	sync.Mutex
	count int
}

func (c *Counter) Inc() {
	c.Lock()
	c.count++
	c.Unlock()
}

func (c *Counter) IncTwice() {
	c.Lock()
	c.Inc() // want `potential deadlock: c\.Mutex is acquired while already held`
	c.Unlock()
}

// --- Test 2: Embedded RWMutex and Mutex acquired in opposite orders ---

type Cache struct {
	sync.RWMutex
	size int
}

type Index struct {
	sync.Mutex
	keys int
}

func (c *Cache) AddKey(ix *Index) {
	c.Lock()
	ix.Lock() // want `potential deadlock: lock ordering cycle between c\.RWMutex and ix\.Mutex`
	ix.keys++
	c.size++
	ix.Unlock()
	c.Unlock()
}

func (ix *Index) Rebuild(c *Cache) {
	ix.Lock()
	c.RLock() // want `potential deadlock: lock ordering cycle between ix\.Mutex and c\.RWMutex`
	ix.keys = c.size
	c.RUnlock()
	ix.Unlock()
}

func Start(c *Cache, ix *Index) {
	go c.AddKey(ix)
	go ix.Rebuild(c)
}

// --- Test 3: All locked once: no diagnostics ---

type Safe struct {
	sync.Mutex
	value int
}

func (s *Safe) Set(v int) {
	s.Lock()
	s.value = v
	s.Unlock()
}

func (s *Safe) Get() int {
	s.Lock()
	v := s.value
	s.Unlock()
	return v
}

func (s *Safe) Swap(v int) int {
	old := s.Get()
	s.Set(v)
	return old
}
