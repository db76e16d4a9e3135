package rwmutex

import "sync"

// --- Test 1: Recursive read locking ---

type Config struct {
	rw     sync.RWMutex
	values map[string]string
}

func (c *Config) Get(key string) string {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.values[key]
}

func (c *Config) Set(key, val string) {
	c.rw.Lock()
	c.values[key] = val
	c.rw.Unlock()
}

// GetTwice read-locks rw again in Get: a writer queued in between blocks both.
func (c *Config) GetTwice(key string) string {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.Get(key) // want `potential deadlock: c\.rw is acquired while already held`
}

// --- Test 2: Read and write locks in opposite orders ---

type Stats struct {
	rw   sync.RWMutex
	hits int
}

func (c *Config) Record(s *Stats) {
	c.rw.RLock()
	s.rw.Lock() // want `potential deadlock: lock ordering cycle between c\.rw and s\.rw`
	s.hits++
	s.rw.Unlock()
	c.rw.RUnlock()
}

func (s *Stats) Reload(c *Config) {
	s.rw.RLock()
	c.rw.Lock() // want `potential deadlock: lock ordering cycle between s\.rw and c\.rw`
	c.values = nil
	c.rw.Unlock()
	s.rw.RUnlock()
}

func Serve(c *Config, s *Stats) {
	go c.Record(s)
	go s.Reload(c)
}

// --- Test 3: Sequential read then write: no diagnostic ---

func (c *Config) Upsert(key, val string) {
	if c.Get(key) == val {
		return
	}
	c.Set(key, val)
}
