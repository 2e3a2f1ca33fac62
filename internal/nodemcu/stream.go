package nodemcu

import (
	"context"
	"io"
	"time"
)

// idlePoll spaces receive polls while nothing is buffered.
const idlePoll = 20 * time.Millisecond

// PutByte sends one byte over the connection.
func (r *Radio) PutByte(c byte) error {
	return r.Send([]byte{c})
}

// GetByte waits for one received byte until ctx ends.
func (r *Radio) GetByte(ctx context.Context) (byte, error) {
	var buf [1]byte
	if _, err := r.readAtLeastOne(ctx, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Readable returns the number of bytes that can be read without waiting.
func (r *Radio) Readable() (int, error) {
	return r.Available()
}

// Writeable always reports true: the firmware queues outbound data itself and
// offers no backpressure signal.
func (r *Radio) Writeable() bool { return true }

func (r *Radio) readAtLeastOne(ctx context.Context, p []byte) (int, error) {
	for {
		n, err := r.Recv(p)
		if err != nil || n > 0 {
			return n, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(idlePoll):
		}
	}
}

// Stream adapts a Radio's connection to io.Reader and io.Writer. Reads block
// until at least one byte arrives or Ctx ends.
type Stream struct {
	Radio *Radio
	Ctx   context.Context
}

var _ io.ReadWriter = Stream{}

func (s Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ctx := s.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return s.Radio.readAtLeastOne(ctx, p)
}

func (s Stream) Write(p []byte) (int, error) {
	if err := s.Radio.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
