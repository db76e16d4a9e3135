package double_lock

import "sync"

// --- Direct double-lock ---

type Tracker struct {
	mu    sync.Mutex
	value int
}

func (t *Tracker) DirectDoubleLock() {
	t.mu.Lock()
	t.mu.Lock() // want `potential deadlock: t\.mu is acquired while already held`
	t.value = 1
	t.mu.Unlock()
	t.mu.Unlock()
}

// --- Interprocedural double-lock (caller holds, callee locks) ---

type Worker struct {
	mu   sync.Mutex
	busy bool
}

// lockAndSet locks mu and sets busy.
func (w *Worker) lockAndSet() {
	w.mu.Lock()
	w.busy = true
	w.mu.Unlock()
}

// DoubleLockViaCall holds mu and calls a function that also locks mu.
func (w *Worker) DoubleLockViaCall() {
	w.mu.Lock()
	w.lockAndSet() // want `potential deadlock: w\.mu is acquired while already held`
	w.mu.Unlock()
}

// --- Deep transitive double-lock ---

type Manager struct {
	mu   sync.Mutex
	data string
}

// innerLock locks mu and modifies data.
func (m *Manager) innerLock() {
	m.mu.Lock()
	m.data = "inner"
	m.mu.Unlock()
}

// middleWrapper calls innerLock (transitively acquires mu).
func (m *Manager) middleWrapper() {
	m.innerLock()
}

// DeepDoubleLock holds mu and calls through a chain that also locks mu.
func (m *Manager) DeepDoubleLock() {
	m.mu.Lock()
	m.middleWrapper() // want `potential deadlock: m\.mu is acquired while already held`
	m.mu.Unlock()
}

// --- Recursive double-lock ---

type Recurser struct {
	mu  sync.Mutex
	val int
}

// RecursiveDoubleLock holds mu and calls itself recursively.
func (r *Recurser) RecursiveDoubleLock(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.RecursiveDoubleLock(n - 1) // want `potential deadlock: r\.mu is acquired while already held`
	r.mu.Unlock()
}

// --- Released before the call: no diagnostic ---

type Buffer struct {
	mu   sync.Mutex
	size int
}

func (b *Buffer) grow() {
	b.mu.Lock()
	b.size *= 2
	b.mu.Unlock()
}

func (b *Buffer) Reserve(n int) {
	b.mu.Lock()
	small := b.size < n
	b.mu.Unlock()
	if small {
		b.grow()
	}
}

// --- A helper that hands the caller's lock back and forth: no diagnostic ---

type Queue struct {
	mu sync.Mutex
	n  int
}

func (q *Queue) yield() {
	q.mu.Unlock()
	q.mu.Lock()
}

func (q *Queue) Push() {
	q.mu.Lock()
	q.yield()
	q.n++
	q.mu.Unlock()
}
