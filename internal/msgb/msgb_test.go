package msgb

import "testing"

func TestPushPutPull(t *testing.T) {
	m := AllocDefault()
	if m.Len() != 0 {
		t.Fatalf("expected empty buffer, got len %d", m.Len())
	}

	body := m.Put(4)
	copy(body, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	if m.Len() != 4 {
		t.Fatalf("expected len 4, got %d", m.Len())
	}

	hdr := m.Push(2)
	copy(hdr, []byte{0x01, 0x02})
	if m.Len() != 6 {
		t.Fatalf("expected len 6 after push, got %d", m.Len())
	}
	if got := m.Data(); got[0] != 0x01 || got[1] != 0x02 || got[2] != 0xAA {
		t.Fatalf("unexpected data after push: %x", got)
	}

	pulled := m.Pull(2)
	if pulled[0] != 0x01 || pulled[1] != 0x02 {
		t.Fatalf("unexpected pulled bytes: %x", pulled)
	}
	if m.Len() != 4 {
		t.Fatalf("expected len 4 after pull, got %d", m.Len())
	}
}

func TestPushExceedsHeadroomPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on push exceeding headroom")
		}
	}()
	m := Alloc(32, 4)
	m.Push(5)
}

func TestDoubleEnqueuePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double enqueue")
		}
	}()
	m := AllocDefault()
	m.Enqueue()
	m.Enqueue()
}

func TestDequeueThenEnqueueAgain(t *testing.T) {
	m := AllocDefault()
	m.Enqueue()
	m.Dequeue()
	m.Enqueue() // should not panic
	if !m.Queued() {
		t.Fatal("expected buffer to be queued")
	}
}
