package concurrent

import "sync"

type Server struct {
	mu    sync.Mutex
	conns int
}

type Registry struct {
	mu    sync.Mutex
	names []string
}

// --- A goroutine and its parent lock in opposite orders ---

func (s *Server) Run(r *Registry) {
	go func() {
		s.mu.Lock()
		r.mu.Lock() // want `potential deadlock: lock ordering cycle between s\.mu and r\.mu`
		r.names = append(r.names, "conn")
		r.mu.Unlock()
		s.mu.Unlock()
	}()
	r.mu.Lock()
	s.mu.Lock() // want `potential deadlock: lock ordering cycle between r\.mu and s\.mu`
	s.conns++
	s.mu.Unlock()
	r.mu.Unlock()
}

// --- A goroutine starts with no lock held → no diagnostic ---

func (s *Server) Accept() {
	s.mu.Lock()
	go func() {
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
	}()
	s.mu.Unlock()
}

// --- Locks handed to goroutines in both orders share the parameters, so they are one lock ---

func worker(a, b *sync.Mutex) {
	a.Lock()
	b.Lock() // want `potential deadlock: first is acquired while already held`
	b.Unlock()
	a.Unlock()
}

func Pool() {
	var first, second sync.Mutex
	go worker(&first, &second)
	go worker(&second, &first)
}
