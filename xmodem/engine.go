package xmodem

import (
	"context"
	"sync"
	"time"
)

// Timing and retry defaults. Matched to the classic 9600 bps use case.
const (
	// DefaultInitTimeout bounds the initiation handshake: the receiver's
	// wait for the first SOH after NAK/'C', and the sender's wait for
	// NAK/'C' from the receiver.
	DefaultInitTimeout = 10 * time.Second

	// DefaultAckTimeout bounds the per-block exchange on both sides.
	DefaultAckTimeout = 5 * time.Second

	// DefaultEOTAckTimeout bounds the sender's wait for the final ACK.
	DefaultEOTAckTimeout = 5 * time.Second

	// DefaultMaxInitRetries caps initiation attempts on both sides.
	DefaultMaxInitRetries = 6

	// DefaultMaxRetries caps per-block and per-EOT retransmissions.
	DefaultMaxRetries = 10
)

// Config holds engine configuration. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	InitTimeout   time.Duration
	AckTimeout    time.Duration
	EOTAckTimeout time.Duration

	MaxInitRetries int
	MaxRetries     int

	// Logger receives protocol traces. Defaults to NoopLogger.
	Logger Logger

	// Callbacks receives transfer events. Nil fields use defaults.
	Callbacks *Callbacks
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		InitTimeout:    DefaultInitTimeout,
		AckTimeout:     DefaultAckTimeout,
		EOTAckTimeout:  DefaultEOTAckTimeout,
		MaxInitRetries: DefaultMaxInitRetries,
		MaxRetries:     DefaultMaxRetries,
		Logger:         NoopLogger{},
	}
}

// Engine is the XMODEM protocol state machine. One Engine runs one
// transfer: a send or a receive, never both. After the transfer reaches
// a terminal state the Engine stays there.
//
// The engine is event-driven. Inbound bytes arrive via FeedBytes in
// whatever fragments the transport delivers; deadlines re-enter through
// the internal timer service. A single mutex serializes every state
// transition and every receive-buffer mutation, so callers may invoke
// the public entry points from any goroutine.
type Engine struct {
	mu sync.Mutex

	state     TransferState
	cfg       Config
	transport Transport
	log       Logger
	callbacks *Callbacks
	timers    *timerService

	useCRC bool
	rxBuf  []byte

	// Receiver side
	expectedBlock  int // running counter, starts at 1, does not wrap
	receiveRetries int
	sink           Sink

	// Sender side
	fileData     []byte
	currentBlock int // zero-based index of the next block to transmit
	sendRetries  int

	err  error
	done chan struct{}
}

// NewEngine creates an engine that transmits through transport. A nil
// cfg uses DefaultConfig.
func NewEngine(transport Transport, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		state:     StateIdle,
		cfg:       *cfg,
		transport: transport,
		log:       cfg.Logger,
		callbacks: mergeCallbacks(cfg.Callbacks),
		done:      make(chan struct{}),
	}
	if e.log == nil {
		e.log = NoopLogger{}
	}
	e.timers = newTimerService(e.onDeadline)
	return e
}

// State returns the current protocol state.
func (e *Engine) State() TransferState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the terminal error, or nil while the transfer is running
// or after it completed successfully.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Done returns a channel closed when the engine reaches a terminal state.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the transfer terminates or ctx is cancelled. It
// returns nil on COMPLETED and the terminal error otherwise.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartReceive begins receiving into sink. useCRC selects the init
// signal: 'C' for CRC-16, NAK for the 8-bit checksum. The engine owns
// sink until the transfer terminates.
func (e *Engine) StartReceive(useCRC bool, sink Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return Errorf(ErrAlreadyActive, "cannot start receive in state %s", e.state)
	}
	if sink == nil {
		return NewError(ErrSinkUnavailable, "no sink provided")
	}

	e.useCRC = useCRC
	e.sink = sink
	e.expectedBlock = 1
	e.receiveRetries = 0

	e.log.Info("starting receive, mode=%s", modeName(useCRC))
	e.setState(StateReceiverInit)
	e.sendInitSignal()
	return nil
}

// StartSend begins sending data. The payload is copied; the engine owns
// its copy for the duration of the transfer. useCRCPreferred is advisory
// only: the actual mode follows the receiver's init byte.
//
// A zero-length payload is rejected: XMODEM has no empty-file framing.
func (e *Engine) StartSend(data []byte, useCRCPreferred bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return Errorf(ErrAlreadyActive, "cannot start send in state %s", e.state)
	}
	if len(data) == 0 {
		err := NewError(ErrEmptySource, "refusing to send zero bytes")
		e.finish(StateError, err)
		return err
	}

	e.fileData = make([]byte, len(data))
	copy(e.fileData, data)
	e.useCRC = useCRCPreferred
	e.currentBlock = 0
	e.sendRetries = 0

	e.log.Info("starting send, %d bytes, waiting for receiver init", len(data))
	e.setState(StateSenderWaitInit)
	e.timers.arm(e.cfg.InitTimeout)
	return nil
}

// FeedBytes delivers a run of inbound bytes from the transport. Runs
// are processed in arrival order; fragmentation is arbitrary and need
// not align with protocol frames. After a terminal state the bytes are
// discarded.
func (e *Engine) FeedBytes(p []byte) {
	if len(p) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Terminal() {
		return
	}
	e.rxBuf = append(e.rxBuf, p...)
	e.drive()
}

// AbortLocal cancels the transfer from this side, emitting CAN CAN when
// a transfer is in flight. Idempotent.
func (e *Engine) AbortLocal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abort(false, NewError(ErrCancelled, "transfer cancelled locally"))
}

// Shutdown aborts any active transfer and tears down the timer service,
// draining a pending deadline callback. Idempotent; the engine is
// unusable afterwards.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.abort(false, NewError(ErrCancelled, "engine shut down"))
	e.mu.Unlock()

	// Outside the lock: the callback being drained may be waiting on it.
	e.timers.shutdown()
}

// --- state machine core (every method below runs with e.mu held) ---

// drive consumes the receive buffer until no further progress is
// possible: either the buffer is drained, or a partial block needs more
// bytes, or a terminal state was reached.
func (e *Engine) drive() {
	for len(e.rxBuf) > 0 && !e.state.Terminal() {
		first := e.rxBuf[0]

		switch e.state {
		case StateExpectingSOH, StateReceiverInit:
			switch first {
			case SOH:
				need := blockLength(e.useCRC)
				if len(e.rxBuf) < need {
					// Partial block; keep the timer running and wait.
					return
				}
				e.timers.cancel()
				e.processBlock(e.take(need))
			case EOT:
				e.timers.cancel()
				e.take(1)
				e.completeReceive()
			case CAN:
				e.timers.cancel()
				e.take(1)
				e.abort(true, NewError(ErrRemoteCancelled, "sender cancelled the transfer"))
			default:
				// Line noise; drop it.
				e.take(1)
			}

		case StateSenderWaitInit:
			e.take(1)
			switch first {
			case NAK:
				e.timers.cancel()
				e.beginSending(false)
			case CharC:
				e.timers.cancel()
				e.beginSending(true)
			case CAN:
				e.timers.cancel()
				e.abort(true, NewError(ErrRemoteCancelled, "receiver cancelled before start"))
			default:
				e.log.Debug("ignoring 0x%02X while waiting for init", first)
			}

		case StateWaitingForAck:
			e.take(1)
			switch first {
			case ACK:
				e.timers.cancel()
				e.sendRetries = 0
				e.currentBlock++
				e.reportSendProgress()
				if e.currentBlock*BlockSize >= len(e.fileData) {
					e.sendEOT()
				} else {
					e.sendNextBlock()
				}
			case NAK:
				e.timers.cancel()
				e.log.Debug("NAK for block %d", e.currentBlock+1)
				e.retryBlock()
			case CAN:
				e.timers.cancel()
				e.abort(true, NewError(ErrRemoteCancelled, "receiver cancelled the transfer"))
			default:
				e.log.Debug("ignoring 0x%02X while waiting for ACK", first)
			}

		case StateWaitingForEOTAck:
			e.take(1)
			switch first {
			case ACK:
				e.timers.cancel()
				e.log.Info("EOT acknowledged, transfer complete")
				e.finish(StateCompleted, nil)
				e.cleanup()
			case CAN:
				e.timers.cancel()
				e.abort(true, NewError(ErrRemoteCancelled, "receiver cancelled at EOT"))
			default:
				e.log.Debug("ignoring 0x%02X while waiting for EOT ACK", first)
			}

		default:
			// IDLE or a transient state: stray bytes, drop one at a time.
			e.take(1)
		}
	}
}

// take removes and returns the first n buffered bytes.
func (e *Engine) take(n int) []byte {
	out := make([]byte, n)
	copy(out, e.rxBuf[:n])
	e.rxBuf = e.rxBuf[n:]
	return out
}

// sendInitSignal emits the receiver's init byte (NAK or 'C') and arms
// the initiation timeout. Each emission counts against MaxInitRetries;
// at the cap the transfer aborts.
func (e *Engine) sendInitSignal() {
	if e.receiveRetries >= e.cfg.MaxInitRetries {
		e.log.Error("no sender after %d init signals, giving up", e.receiveRetries)
		e.abort(false, Errorf(ErrRemoteInitTimeout,
			"sender did not respond to %d init signals", e.receiveRetries))
		return
	}

	signal := byte(NAK)
	if e.useCRC {
		signal = CharC
	}
	e.log.Debug("sending init signal %s (attempt %d/%d)",
		modeName(e.useCRC), e.receiveRetries+1, e.cfg.MaxInitRetries)
	if !e.transmit([]byte{signal}) {
		return
	}
	e.receiveRetries++
	e.setState(StateExpectingSOH)
	e.timers.arm(e.cfg.InitTimeout)
}

// processBlock validates one complete SOH block.
func (e *Engine) processBlock(block []byte) {
	e.setState(StateReceiving)

	blk := block[1]
	complement := block[2]
	if !VerifyBlockNumber(blk, complement) {
		e.log.Debug("bad block number complement: %02X/%02X", blk, complement)
		e.handleBlockError()
		return
	}

	expected := byte(e.expectedBlock % 256)
	previous := byte((e.expectedBlock - 1) % 256)
	payload := block[3 : 3+BlockSize]
	trailer := block[3+BlockSize:]

	switch {
	case blk == expected:
		if !verifyTrailer(payload, trailer, e.useCRC) {
			e.log.Debug("integrity check failed for block %d", e.expectedBlock)
			e.handleBlockError()
			return
		}
		// The full padded payload is persisted; SUB padding is stripped
		// from the file only at completion, not per block.
		if _, err := e.sink.Write(payload); err != nil {
			e.log.Error("sink write failed: %v", err)
			e.fail(Errorf(ErrIO, "sink write failed: %v", err))
			return
		}
		e.receiveRetries = 0
		e.expectedBlock++
		e.callbacks.OnProgress(int64(e.expectedBlock-1)*BlockSize, 0)
		e.sendControl(ACK)
		e.setState(StateExpectingSOH)
		e.timers.arm(e.cfg.AckTimeout)

	case blk == previous && e.expectedBlock > 1:
		// Duplicate of the previous block: our ACK was lost. Re-ACK,
		// write nothing, keep the counter.
		e.log.Debug("duplicate block %d, re-ACKing", blk)
		e.sendControl(ACK)
		e.setState(StateExpectingSOH)
		e.timers.arm(e.cfg.AckTimeout)

	default:
		e.log.Error("block sequence broken: got %d, expected %d or %d", blk, expected, previous)
		e.abort(false, Errorf(ErrProtocol,
			"block number %d is neither expected (%d) nor previous (%d)", blk, expected, previous))
	}
}

// handleBlockError counts a failed block attempt and NAKs for a
// retransmission, aborting at the retry cap.
func (e *Engine) handleBlockError() {
	e.receiveRetries++
	e.log.Debug("block error %d/%d for block %d", e.receiveRetries, e.cfg.MaxRetries, e.expectedBlock)
	if e.receiveRetries >= e.cfg.MaxRetries {
		e.abort(false, Errorf(ErrRetryExhausted,
			"block %d failed %d times", e.expectedBlock, e.receiveRetries))
		return
	}
	e.sendControl(NAK)
	e.setState(StateExpectingSOH)
	e.timers.arm(e.cfg.AckTimeout)
}

// completeReceive finishes the transfer after EOT: ACK, close the sink,
// strip the SUB padding from the final block.
func (e *Engine) completeReceive() {
	e.log.Info("EOT received, completing transfer")
	e.sendControl(ACK)
	if e.state.Terminal() {
		// The final ACK hit a dead transport.
		return
	}

	if err := e.sink.Close(); err != nil {
		e.log.Error("closing sink: %v", err)
	}
	if err := e.sink.TrimPadding(); err != nil {
		// Trimming is best-effort; the payload bytes are all on disk.
		e.log.Error("trimming padding: %v", err)
	}
	e.sink = nil
	e.finish(StateCompleted, nil)
	e.cleanup()
}

// beginSending locks in the integrity mode chosen by the receiver and
// transmits the first block.
func (e *Engine) beginSending(useCRC bool) {
	e.log.Info("receiver requested %s mode, sending block 1", modeName(useCRC))
	e.useCRC = useCRC
	e.sendRetries = 0
	e.currentBlock = 0
	e.sendNextBlock()
}

// sendNextBlock frames and transmits the block at currentBlock, then
// waits for ACK/NAK. Falls through to EOT when all data has been sent.
func (e *Engine) sendNextBlock() {
	start := e.currentBlock * BlockSize
	if start >= len(e.fileData) {
		e.sendEOT()
		return
	}
	end := start + BlockSize
	if end > len(e.fileData) {
		end = len(e.fileData)
	}

	blockNumber := byte((e.currentBlock + 1) % 256)
	frame := buildBlock(blockNumber, e.fileData[start:end], e.useCRC)

	e.log.Debug("sending block %d (wire #%d, %d data bytes)", e.currentBlock+1, blockNumber, end-start)
	e.setState(StateSending)
	if !e.transmit(frame) {
		return
	}
	e.setState(StateWaitingForAck)
	e.timers.arm(e.cfg.AckTimeout)
}

// retryBlock counts a failed attempt for the current block and
// retransmits it, aborting at the retry cap.
func (e *Engine) retryBlock() {
	e.sendRetries++
	e.log.Debug("retrying block %d, attempt %d/%d", e.currentBlock+1, e.sendRetries, e.cfg.MaxRetries)
	if e.sendRetries >= e.cfg.MaxRetries {
		e.abort(false, Errorf(ErrRetryExhausted,
			"block %d unacknowledged after %d attempts", e.currentBlock+1, e.sendRetries))
		return
	}
	e.sendNextBlock()
}

// sendEOT transmits EOT and waits for the final ACK. The retry counter
// is reset only here, on the first EOT; retransmissions keep counting.
func (e *Engine) sendEOT() {
	e.log.Info("all data sent, sending EOT")
	e.setState(StateSendingEOT)
	if !e.transmit([]byte{EOT}) {
		return
	}
	e.sendRetries = 0
	e.setState(StateWaitingForEOTAck)
	e.timers.arm(e.cfg.EOTAckTimeout)
}

// resendEOT retransmits EOT after a timeout without resetting the
// retry counter.
func (e *Engine) resendEOT() {
	e.sendRetries++
	e.log.Debug("re-sending EOT, attempt %d/%d", e.sendRetries, e.cfg.MaxRetries)
	if e.sendRetries >= e.cfg.MaxRetries {
		e.abort(false, Errorf(ErrRetryExhausted,
			"EOT unacknowledged after %d attempts", e.sendRetries))
		return
	}
	if !e.transmit([]byte{EOT}) {
		return
	}
	e.timers.arm(e.cfg.EOTAckTimeout)
}

// onDeadline is the timer-service callback. A stale generation means
// the deadline was cancelled or superseded after firing; it must be a
// no-op.
func (e *Engine) onDeadline(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.timers.current(gen) {
		return
	}
	if e.state.Terminal() {
		return
	}

	switch e.state {
	case StateExpectingSOH:
		if e.expectedBlock == 1 {
			// Still in the initiation phase; repeat the init signal.
			e.log.Debug("init timeout, repeating init signal")
			e.setState(StateReceiverInit)
			e.sendInitSignal()
			return
		}
		e.receiveRetries++
		e.log.Debug("timeout waiting for block %d (%d/%d)",
			e.expectedBlock, e.receiveRetries, e.cfg.MaxRetries)
		if e.receiveRetries >= e.cfg.MaxRetries {
			e.abort(false, Errorf(ErrRetryExhausted,
				"no block %d after %d attempts", e.expectedBlock, e.receiveRetries))
			return
		}
		e.sendControl(NAK)
		e.timers.arm(e.cfg.AckTimeout)

	case StateSenderWaitInit:
		e.sendRetries++
		e.log.Debug("no init signal yet (%d/%d)", e.sendRetries, e.cfg.MaxInitRetries)
		if e.sendRetries >= e.cfg.MaxInitRetries {
			e.abort(false, Errorf(ErrLocalInitTimeout,
				"receiver sent no init signal within %d timeouts", e.sendRetries))
			return
		}
		e.timers.arm(e.cfg.InitTimeout)

	case StateWaitingForAck:
		e.log.Debug("ACK timeout for block %d", e.currentBlock+1)
		e.retryBlock()

	case StateWaitingForEOTAck:
		e.log.Debug("EOT ACK timeout")
		e.resendEOT()

	default:
		e.log.Debug("deadline fired in state %s, ignoring", e.state)
	}
}

// --- plumbing ---

// transmit sends bytes to the remote. A transport failure is fatal: the
// peer is unreachable, so no CAN is attempted and the engine goes
// straight to ERROR.
func (e *Engine) transmit(p []byte) bool {
	if e.state.Terminal() {
		return false
	}
	if err := e.transport.Send(p); err != nil {
		e.log.Error("transport send failed: %v", err)
		e.timers.cancel()
		e.finish(StateError, Errorf(ErrIO, "transport send failed: %v", err))
		e.cleanup()
		return false
	}
	return true
}

// sendControl transmits a single control byte.
func (e *Engine) sendControl(b byte) {
	e.transmit([]byte{b})
}

// abort terminates the transfer. Locally initiated aborts emit CAN CAN
// (unless nothing was ever started); remote-initiated aborts must not
// answer CAN with CAN.
func (e *Engine) abort(remote bool, reason error) {
	if e.state.Terminal() {
		return
	}
	e.timers.cancel()
	if !remote && e.state != StateIdle {
		e.log.Info("aborting: %v", reason)
		// Best effort; the transfer is over either way.
		if err := e.transport.Send([]byte{CAN, CAN}); err != nil {
			e.log.Error("could not send CAN CAN: %v", err)
		}
	}
	e.finish(StateAborted, reason)
	e.cleanup()
}

// fail terminates with ERROR after a sink I/O failure, emitting CAN CAN
// so the peer stops retransmitting.
func (e *Engine) fail(reason error) {
	if e.state.Terminal() {
		return
	}
	e.timers.cancel()
	if err := e.transport.Send([]byte{CAN, CAN}); err != nil {
		e.log.Error("could not send CAN CAN: %v", err)
	}
	e.finish(StateError, reason)
	e.cleanup()
}

// finish records the terminal state exactly once.
func (e *Engine) finish(state TransferState, err error) {
	if e.state.Terminal() {
		return
	}
	e.err = err
	e.setState(state)
	close(e.done)
	e.callbacks.OnComplete(state, err)
}

// cleanup releases per-transfer resources after a terminal transition.
func (e *Engine) cleanup() {
	if e.sink != nil {
		if err := e.sink.Close(); err != nil {
			e.log.Error("closing sink: %v", err)
		}
		e.sink = nil
	}
	e.fileData = nil
	e.rxBuf = nil
}

func (e *Engine) setState(to TransferState) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	e.log.Debug("state %s -> %s", from, to)
	e.callbacks.OnStateChange(from, to)
}

func (e *Engine) reportSendProgress() {
	sent := int64(e.currentBlock) * BlockSize
	total := int64(len(e.fileData))
	if sent > total {
		sent = total
	}
	e.callbacks.OnProgress(sent, total)
}

func modeName(useCRC bool) string {
	if useCRC {
		return "CRC"
	}
	return "checksum"
}
