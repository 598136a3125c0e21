package websocket

import (
	"testing"
	"time"
)

func TestRoomLocks_SameRoomSerializes(t *testing.T) {
	locks := newRoomLocks()
	unlock := locks.lock("r1")

	acquired := make(chan struct{})
	go func() {
		release := locks.lock("r1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("Second lock on r1 acquired while the first was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Second lock on r1 never acquired after release")
	}
}

func TestRoomLocks_RoomsIndependent(t *testing.T) {
	locks := newRoomLocks()
	unlock := locks.lock("r1")
	defer unlock()

	acquired := make(chan struct{})
	go func() {
		release := locks.lock("r2")
		release()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock on r2 blocked behind r1")
	}
}

func TestRoomLocks_Released(t *testing.T) {
	locks := newRoomLocks()
	locks.lock("r1")()
	locks.lock("r2")()

	if n := locks.size(); n != 0 {
		t.Errorf("Expected no entries after release, got %d", n)
	}
}
