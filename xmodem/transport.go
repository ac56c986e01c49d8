package xmodem

import "io"

// Transport delivers outbound bytes to the remote peer. Send must
// deliver the whole run atomically with respect to other Send calls;
// XMODEM provides no framing above the byte stream, so interleaving
// would corrupt blocks.
//
// Inbound bytes are pushed into the engine separately, via
// Engine.FeedBytes, on whatever goroutine the underlying transport
// delivers them.
type Transport interface {
	Send(p []byte) error
}

// writerTransport adapts any io.Writer into a Transport.
type writerTransport struct {
	w io.Writer
}

// NewWriterTransport wraps w as a Transport. Writes are expected to
// complete promptly; the engine performs them while holding its lock.
func NewWriterTransport(w io.Writer) Transport {
	return &writerTransport{w: w}
}

func (t *writerTransport) Send(p []byte) error {
	n, err := t.w.Write(p)
	if err != nil {
		return err
	}
	if n < len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// readPump copies inbound byte runs from r into the engine until r
// fails, returns EOF, or the engine terminates. It is the bridge from
// pull-style io.Reader transports to the engine's push model.
func readPump(r io.Reader, e *Engine) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.FeedBytes(buf[:n])
		}
		if err != nil {
			return
		}
		select {
		case <-e.Done():
			return
		default:
		}
	}
}
