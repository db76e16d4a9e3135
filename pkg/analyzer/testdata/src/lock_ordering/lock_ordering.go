package lock_ordering

import "sync"

// --- Two-lock inversion: CommitWithLog locks DB then TxLog; FlushToDB locks TxLog then DB ---

type DB struct {
	mu   sync.Mutex
	data string
}

type TxLog struct {
	mu      sync.Mutex
	entries []string
}

func (d *DB) CommitWithLog(log *TxLog) {
	d.mu.Lock()
	log.mu.Lock() // want `potential deadlock: lock ordering cycle between d\.mu and log\.mu`
	log.entries = append(log.entries, d.data)
	log.mu.Unlock()
	d.mu.Unlock()
}

func (d *DB) FlushToDB(log *TxLog) {
	log.mu.Lock()
	d.mu.Lock() // want `potential deadlock: lock ordering cycle between log\.mu and d\.mu`
	for _, e := range log.entries {
		d.data = e
	}
	d.mu.Unlock()
	log.mu.Unlock()
}

func StartDB(d *DB, log *TxLog) {
	go d.CommitWithLog(log)
	go d.FlushToDB(log)
}

// --- Same type, swapped instances: both arguments flow into both parameters ---

type Account struct {
	mu      sync.Mutex
	balance int
}

func Transfer(from, to *Account) {
	from.mu.Lock()
	to.mu.Lock() // want `potential deadlock: from\.mu is acquired while already held`
	from.balance -= 100
	to.balance += 100
	to.mu.Unlock()
	from.mu.Unlock()
}

func StartTransfer(a, b *Account) {
	go Transfer(a, b)
	go Transfer(b, a)
}

// --- No cycle (consistent ordering): always Manager then Resource ---

type Manager struct {
	mu sync.Mutex
	id int
}

type Resource struct {
	mu   sync.Mutex
	name string
}

func (m *Manager) Acquire(r *Resource) {
	m.mu.Lock()
	r.mu.Lock()
	r.name = "acquired"
	_ = m.id
	r.mu.Unlock()
	m.mu.Unlock()
}

func (m *Manager) Release(r *Resource) {
	m.mu.Lock()
	r.mu.Lock()
	r.name = "released"
	_ = m.id
	r.mu.Unlock()
	m.mu.Unlock()
}

func StartManager(m *Manager, r *Resource) {
	go m.Acquire(r)
	go m.Release(r)
}

// --- Interprocedural: A holds X, calls function that acquires Y; B holds Y, calls function that acquires X ---

type ServiceX struct {
	mu   sync.Mutex
	valX int
}

type ServiceY struct {
	mu   sync.Mutex
	valY int
}

func (y *ServiceY) DoWork() {
	y.mu.Lock()
	y.valY++
	y.mu.Unlock()
}

func (x *ServiceX) DoWork() {
	x.mu.Lock()
	x.valX++
	x.mu.Unlock()
}

func WithXThenY(x *ServiceX, y *ServiceY) {
	x.mu.Lock()
	y.DoWork() // want `potential deadlock: lock ordering cycle between x\.mu and y\.mu`
	x.mu.Unlock()
}

func WithYThenX(x *ServiceX, y *ServiceY) {
	y.mu.Lock()
	x.DoWork() // want `potential deadlock: lock ordering cycle between y\.mu and x\.mu`
	y.mu.Unlock()
}

func StartServices(x *ServiceX, y *ServiceY) {
	go WithXThenY(x, y)
	go WithYThenX(x, y)
}

// --- Unrelated instances: without a common caller the two orders never meet ---

type Left struct{ mu sync.Mutex }

type Right struct{ mu sync.Mutex }

func LeftThenRight(l *Left, r *Right) {
	l.mu.Lock()
	r.mu.Lock()
	r.mu.Unlock()
	l.mu.Unlock()
}

func RightThenLeft(l *Left, r *Right) {
	r.mu.Lock()
	l.mu.Lock()
	l.mu.Unlock()
	r.mu.Unlock()
}
