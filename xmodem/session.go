package xmodem

import (
	"context"
	"io"
)

// Session represents an XMODEM transfer session over a byte stream.
// It provides a high-level blocking API for sending and receiving
// single files; the raw state machine lives in Engine.
type Session struct {
	rw        io.ReadWriter
	config    *Config
	log       Logger
	callbacks *Callbacks
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		s.log = logger
	}
}

// WithCallbacks sets the transfer event callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = callbacks
	}
}

// NewSession creates a new XMODEM session over rw. Inbound bytes are
// read from rw in a pump goroutine for the duration of each transfer;
// outbound bytes are written directly.
func NewSession(rw io.ReadWriter, opts ...Option) *Session {
	s := &Session{
		rw:     rw,
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if s.log != nil {
		s.config.Logger = s.log
	}
	if s.callbacks != nil {
		s.config.Callbacks = s.callbacks
	}
	return s
}

// Send transmits data over the session and blocks until the transfer
// terminates or ctx is cancelled. On cancellation the transfer is
// aborted (CAN CAN) before returning.
func (s *Session) Send(ctx context.Context, data []byte, useCRCPreferred bool) error {
	engine := NewEngine(NewWriterTransport(s.rw), s.config)
	defer engine.Shutdown()

	if err := engine.StartSend(data, useCRCPreferred); err != nil {
		return err
	}
	return s.run(ctx, engine)
}

// SendFile loads path into memory and transmits it.
func (s *Session) SendFile(ctx context.Context, path string, useCRCPreferred bool) error {
	data, err := LoadSource(path)
	if err != nil {
		return err
	}
	return s.Send(ctx, data, useCRCPreferred)
}

// Receive receives a file into sink and blocks until the transfer
// terminates or ctx is cancelled. useCRC selects the integrity mode
// requested from the sender.
func (s *Session) Receive(ctx context.Context, sink Sink, useCRC bool) error {
	engine := NewEngine(NewWriterTransport(s.rw), s.config)
	defer engine.Shutdown()

	if err := engine.StartReceive(useCRC, sink); err != nil {
		return err
	}
	return s.run(ctx, engine)
}

// ReceiveFile receives into a file at path.
func (s *Session) ReceiveFile(ctx context.Context, path string, useCRC bool) error {
	sink, err := NewFileSink(path)
	if err != nil {
		return NewError(ErrSinkUnavailable, err.Error())
	}
	return s.Receive(ctx, sink, useCRC)
}

// run pumps inbound bytes into the engine and waits for a terminal
// state.
func (s *Session) run(ctx context.Context, engine *Engine) error {
	go readPump(s.rw, engine)

	if err := engine.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			engine.AbortLocal()
			return ctx.Err()
		}
		return err
	}
	return nil
}
