package annotations

import "sync"

// --- Struct used across tests ---

type Counter struct {
	mu    sync.Mutex
	count int
}

// --- Non-annotated function reports normally ---

func (c *Counter) reentrant() {
	c.mu.Lock()
	c.mu.Lock() // want `potential deadlock: c\.mu is acquired while already held`
	c.count++
	c.mu.Unlock()
	c.mu.Unlock()
}

// --- //lockgraph:ignore: suppresses all diagnostics in a function ---

//lockgraph:ignore
func (c *Counter) ignored() {
	c.mu.Lock()
	c.mu.Lock() // no diagnostic: function is ignored
	c.mu.Unlock()
	c.mu.Unlock()
}

// --- //lockgraph:ignore covers closures of the function ---

//lockgraph:ignore the closure is only run once
func ignoredClosure(c *Counter) {
	f := func() {
		c.mu.Lock()
		c.mu.Lock() // no diagnostic: enclosing function is ignored
	}
	f()
}

// --- //lockgraph:nolint: suppresses diagnostic on the next line only ---

func (c *Counter) nolintLine() {
	c.mu.Lock()
	//lockgraph:nolint
	c.mu.Lock() // no diagnostic: suppressed by nolint
	c.mu.Unlock()
	c.mu.Unlock()
}

// --- //lockgraph:nolint does NOT suppress lines beyond the next one ---

type Pair struct {
	a sync.Mutex
	b sync.Mutex
}

func (p *Pair) nolintLimited() {
	p.a.Lock()
	//lockgraph:nolint
	p.a.Lock() // no diagnostic: suppressed by nolint
	p.b.Lock()
	p.b.Lock() // want `potential deadlock: p\.b is acquired while already held`
}
