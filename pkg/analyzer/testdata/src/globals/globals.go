package globals

import "sync"

var (
	configMu sync.Mutex
	cacheMu  sync.RWMutex
	statsMu  sync.Mutex
)

var hits int

// --- Package-level mutexes acquired in opposite orders ---

func reload() {
	configMu.Lock()
	cacheMu.Lock() // want `potential deadlock: lock ordering cycle between configMu and cacheMu`
	cacheMu.Unlock()
	configMu.Unlock()
}

func lookup() {
	cacheMu.RLock()
	configMu.Lock() // want `potential deadlock: lock ordering cycle between cacheMu and configMu`
	configMu.Unlock()
	cacheMu.RUnlock()
}

// --- A package-level mutex re-locked through a helper ---

func record() {
	statsMu.Lock()
	hits++
	statsMu.Unlock()
}

func recordTwice() {
	statsMu.Lock()
	record() // want `potential deadlock: statsMu is acquired while already held`
	statsMu.Unlock()
}
