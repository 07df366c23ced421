package chat

import (
	"sync"

	"telehealth_core/internal/rooms"
)

// roomLocks hands out one mutex per chat room. Entries are dropped once no
// goroutine holds or waits on them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[rooms.ID]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[rooms.ID]*roomLock)}
}

// lock acquires the room mutex and returns its release func.
func (l *roomLocks) lock(room rooms.ID) func() {
	l.mu.Lock()
	rl, ok := l.locks[room]
	if !ok {
		rl = &roomLock{}
		l.locks[room] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, room)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
