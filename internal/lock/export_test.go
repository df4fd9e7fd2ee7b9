package lock

func waitersOf(m *Mutex) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Waiters is exposed to the external test package.
var Waiters = waitersOf
