package branch_patterns

import "sync"

// --- Pattern 1: Each branch locks in a different order ---

type Pair struct {
	a sync.Mutex
	b sync.Mutex
}

func (p *Pair) Swap(reverse bool) {
	if reverse {
		p.b.Lock()
		p.a.Lock() // want `potential deadlock: lock ordering cycle between p\.b and p\.a`
		p.a.Unlock()
		p.b.Unlock()
	} else {
		p.a.Lock()
		p.b.Lock() // want `potential deadlock: lock ordering cycle between p\.a and p\.b`
		p.b.Unlock()
		p.a.Unlock()
	}
}

// --- Pattern 2: Lock taken in a loop without unlocking ---

type Queue struct {
	mu    sync.Mutex
	items []int
}

func (q *Queue) DrainBroken(n int) {
	for i := 0; i < n; i++ {
		q.mu.Lock() // want `potential deadlock: q\.mu is acquired while already held`
	}
}

// --- Pattern 3: Lock and unlock inside the loop body → no diagnostic ---

type Ring struct {
	mu    sync.Mutex
	items []int
}

func (r *Ring) Drain(n int) {
	for i := 0; i < n; i++ {
		r.mu.Lock()
		r.items = r.items[1:]
		r.mu.Unlock()
	}
}

// --- Pattern 4: Unlock on every return path → no diagnostic ---

func (r *Ring) Pop() (int, bool) {
	r.mu.Lock()
	if len(r.items) == 0 {
		r.mu.Unlock()
		return 0, false
	}
	v := r.items[0]
	r.items = r.items[1:]
	r.mu.Unlock()
	return v, true
}

func (r *Ring) PopAll() int {
	n := 0
	for {
		if _, ok := r.Pop(); !ok {
			return n
		}
		n++
	}
}

// --- Pattern 5: Lock held on one path only still orders later acquisitions ---

type Gate struct {
	mu sync.Mutex
}

type Door struct {
	mu sync.Mutex
}

func (g *Gate) Enter(d *Door, exclusive bool) {
	if exclusive {
		g.mu.Lock()
	}
	d.mu.Lock() // want `potential deadlock: lock ordering cycle between g\.mu and d\.mu`
	d.mu.Unlock()
	if exclusive {
		g.mu.Unlock()
	}
}

func (d *Door) Close(g *Gate) {
	d.mu.Lock()
	g.mu.Lock() // want `potential deadlock: lock ordering cycle between d\.mu and g\.mu`
	g.mu.Unlock()
	d.mu.Unlock()
}

func Run(g *Gate, d *Door) {
	go g.Enter(d, true)
	go d.Close(g)
}
