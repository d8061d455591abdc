package pool

import "testing"

type fakeConn struct {
	id     int
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestAcquireDialsWhenEmpty(t *testing.T) {
	m := NewManager()
	defer m.Close()

	dialed := false
	conn, err := m.Acquire("upstream-a", func() (Conn, error) {
		dialed = true
		return &fakeConn{id: 1}, nil
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !dialed {
		t.Fatalf("expected dial to be called when pool is empty")
	}
	if conn.(*fakeConn).id != 1 {
		t.Fatalf("expected dialed connection to be returned")
	}
}

func TestPoolIdempotence(t *testing.T) {
	m := NewManager()
	defer m.Close()

	c := &fakeConn{id: 1}
	conn, err := m.Acquire("upstream-a", func() (Conn, error) { return c, nil })
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if m.IdleCount("upstream-a") != 0 {
		t.Fatalf("expected 0 idle while connection is checked out")
	}

	m.Release("upstream-a", conn, false)
	if m.IdleCount("upstream-a") != 1 {
		t.Fatalf("expected 1 idle after undisposed release")
	}

	conn2, err := m.Acquire("upstream-a", func() (Conn, error) {
		t.Fatalf("dial should not be called when an idle connection exists")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if conn2 != conn {
		t.Fatalf("expected the same connection to be reacquired")
	}
	m.Release("upstream-a", conn2, false)
	if m.IdleCount("upstream-a") != 1 {
		t.Fatalf("expected pool content restored to initial set of 1 after acquire+release")
	}
}

func TestDisposedConnectionNeverReturnedToPool(t *testing.T) {
	m := NewManager()
	defer m.Close()

	c := &fakeConn{id: 1}
	m.Release("upstream-a", c, true)

	if m.IdleCount("upstream-a") != 0 {
		t.Fatalf("expected disposed connection to never enter the idle pool")
	}
	if !c.closed {
		t.Fatalf("expected disposed connection to be closed")
	}
}
