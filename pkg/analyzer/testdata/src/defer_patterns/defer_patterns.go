package defer_patterns

import "sync"

type Store struct {
	mu   sync.Mutex
	data map[string]int
}

// --- Pattern 1: defer Unlock releases at return ---

func (s *Store) Get(k string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[k]
}

func (s *Store) Sum(keys []string) int {
	total := 0
	for _, k := range keys {
		total += s.Get(k)
	}
	return total
}

// --- Pattern 2: Unlock inside a deferred closure ---

func (s *Store) Put(k string, v int) {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
	}()
	s.data[k] = v
}

func (s *Store) PutAll(kv map[string]int) {
	for k, v := range kv {
		s.Put(k, v)
	}
}

// --- Pattern 3: The deferred Unlock has not run yet at the nested call ---

func (s *Store) GetOrPut(k string, v int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[k]; !ok {
		s.Put(k, v) // want `potential deadlock: s\.mu is acquired while already held`
	}
	return s.data[k]
}

// --- Pattern 4: Several defers run in reverse order ---

type Journal struct {
	mu    sync.Mutex
	lines []string
}

func (s *Store) Snapshot(j *Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.mu.Lock() // want `potential deadlock: lock ordering cycle between s\.mu and j\.mu`
	defer j.mu.Unlock()
	j.lines = append(j.lines, "snapshot")
}

func (j *Journal) Replay(s *Store) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s.mu.Lock() // want `potential deadlock: lock ordering cycle between j\.mu and s\.mu`
	defer s.mu.Unlock()
}

func Checkpoint(s *Store, j *Journal) {
	go s.Snapshot(j)
	go j.Replay(s)
}
