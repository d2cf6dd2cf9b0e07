package link_test

import (
	"bytes"
	"context"
	"testing"

	"retroos/pkg/netstack/link"
)

func TestChannelQueue(t *testing.T) {
	ch := link.NewChannel(2)

	if !ch.Inject([]byte{1}) || !ch.Inject([]byte{2}) {
		t.Fatal("Inject failed below capacity")
	}
	if ch.Inject([]byte{3}) {
		t.Error("Inject should fail when the queue is full")
	}
	if ch.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", ch.Dropped())
	}

	frame, ok := ch.ReceiveFrame()
	if !ok || !bytes.Equal(frame, []byte{1}) {
		t.Errorf("ReceiveFrame = %v, %v, want [1], true", frame, ok)
	}
	frame, ok = ch.ReceiveFrame()
	if !ok || !bytes.Equal(frame, []byte{2}) {
		t.Errorf("ReceiveFrame = %v, %v, want [2], true", frame, ok)
	}
	if _, ok := ch.ReceiveFrame(); ok {
		t.Error("ReceiveFrame on empty queue should report false")
	}
}

func TestChannelInjectCopies(t *testing.T) {
	ch := link.NewChannel(0)
	buf := []byte{0xAA}
	ch.Inject(buf)
	buf[0] = 0xBB

	frame, _ := ch.ReceiveFrame()
	if frame[0] != 0xAA {
		t.Errorf("frame[0] = 0x%02x, want 0xaa", frame[0])
	}
}

func TestChannelPeer(t *testing.T) {
	ch := link.NewChannel(0)

	ch.SendFrame([]byte{1, 2})
	if got := ch.Drain(); len(got) != 1 || !bytes.Equal(got[0], []byte{1, 2}) {
		t.Errorf("Drain = %v, want [[1 2]]", got)
	}

	var seen [][]byte
	ch.SetPeer(func(frame []byte) {
		seen = append(seen, frame)
		ch.Inject([]byte{9})
	})
	ch.SendFrame([]byte{3})

	if len(seen) != 1 {
		t.Fatalf("peer saw %d frames, want 1", len(seen))
	}
	if ch.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", ch.Pending())
	}
	if got := ch.Drain(); len(got) != 0 {
		t.Errorf("Drain = %v, want none while a peer is installed", got)
	}
}

type scriptedReader struct {
	frames [][]byte
	cancel context.CancelFunc
}

func (r *scriptedReader) ReadFrame(buf []byte) (int, error) {
	if len(r.frames) == 0 {
		r.cancel()
		return 0, nil
	}
	n := copy(buf, r.frames[0])
	r.frames = r.frames[1:]
	return n, nil
}

func TestPump(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := link.NewChannel(0)
	r := &scriptedReader{frames: [][]byte{{1}, {2, 2}}, cancel: cancel}

	if err := link.Pump(ctx, r, ch, 1500); err != nil {
		t.Fatalf("Pump failed: %v", err)
	}
	if ch.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", ch.Pending())
	}
}
