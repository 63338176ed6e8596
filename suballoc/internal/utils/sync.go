package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that can be switched off for allocators whose callers promise
// to synchronize access themselves
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

// With runs the provided method while holding the lock
func (m *OptionalMutex) With(f func()) {
	m.Lock()
	defer m.Unlock()

	f()
}
