package link

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FrameReader reads one frame per call, blocking until one arrives or the
// read deadline of the device passes. A timeout is reported as (0, nil).
type FrameReader interface {
	ReadFrame(buf []byte) (int, error)
}

// Pump copies frames from r into ch until ctx is cancelled or r fails.
func Pump(ctx context.Context, r FrameReader, ch *Channel, mtu int) error {
	log := logrus.WithField("component", "link")
	buf := make([]byte, mtu+64)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := r.ReadFrame(buf)
		if err != nil {
			return errors.Wrap(err, "reading frame")
		}
		if n == 0 {
			continue
		}
		if !ch.Inject(buf[:n]) {
			log.Debug("inbound queue full, dropping frame")
		}
	}
}
