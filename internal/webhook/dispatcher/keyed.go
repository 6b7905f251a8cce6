package dispatcher

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// keyedMutex serialises work per event id within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[snowflake.ID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[snowflake.ID]*keyedEntry)}
}

func (k *keyedMutex) Lock(id snowflake.ID) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.locks[id]
	if !ok {
		entry = &keyedEntry{}
		k.locks[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
