package link_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"

	"retroos/pkg/netstack/link"
)

var errDeviceGone = errors.New("device gone")

// failingReader returns its frames in order, then fails.
type failingReader struct {
	frames [][]byte
}

func (r *failingReader) ReadFrame(buf []byte) (int, error) {
	if len(r.frames) == 0 {
		return 0, errDeviceGone
	}
	n := copy(buf, r.frames[0])
	r.frames = r.frames[1:]
	return n, nil
}

func TestPumpDeviceError(t *testing.T) {
	ch := link.NewChannel(2)
	r := &failingReader{frames: [][]byte{{1}, nil, {2, 2}, {3, 3, 3}}}

	err := link.Pump(context.Background(), r, ch, 1500)
	if errors.Cause(err) != errDeviceGone {
		t.Fatalf("Pump error = %v, want %v", err, errDeviceGone)
	}
	if ch.Pending() != 2 || ch.Dropped() != 1 {
		t.Errorf("Pending, Dropped = %d, %d, want 2, 1", ch.Pending(), ch.Dropped())
	}
}
