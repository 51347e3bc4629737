// Package worker implements the epoll-driven event loop described in
// SPEC_FULL.md §4.4: each Worker owns an exclusive epoll instance and a
// shard of sessions, and never touches another Worker's state.
package worker

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/gopgproxy/pgproxy/buffer"
	"github.com/gopgproxy/pgproxy/logsink"
	"github.com/gopgproxy/pgproxy/metrics"
	"github.com/gopgproxy/pgproxy/pgwire"
)

const readChunkSize = 8 * 1024

// Config tunes back-pressure and the intake wait timeout.
type Config struct {
	HighWaterMark int // pause peer read-interest once a buffer reaches this size
	LowWaterMark  int // resume peer read-interest once drained back below this
	PollTimeoutMs int // epoll_wait timeout so fresh sessions are picked up promptly
}

// DefaultConfig returns the back-pressure thresholds SPEC_FULL.md §4.4
// names as defaults.
func DefaultConfig() Config {
	return Config{
		HighWaterMark: 4 * 1024 * 1024,
		LowWaterMark:  1 * 1024 * 1024,
		PollTimeoutMs: 100,
	}
}

// pendingConn is a newly accepted (client, backend) pair waiting to be
// picked up by the worker's event loop.
type pendingConn struct {
	clientFD  int
	backendFD int
}

// session is one bidirectional tunnel. Only its owning Worker ever
// touches it; it references the Worker only indirectly, via the map
// lookup the Worker performs on each event.
type session struct {
	id          uuid.UUID
	clientFD    int
	backendFD   int
	clientBuf   *buffer.Buffer // client -> backend
	backendBuf  *buffer.Buffer // backend -> client
	decoder     *pgwire.Decoder
	connecting  bool // backendFD write-readiness not yet confirmed as a completed connect
	clientPaused  bool
	backendPaused bool
}

// Worker owns one epoll instance and a shard of sessions.
type Worker struct {
	id   int
	sink *logsink.Sink
	cfg  Config

	epollFD int

	mu     sync.Mutex
	intake []pendingConn

	sessions map[int]*session // keyed by client fd, touched only from Run's goroutine
	fdOwner  map[int]int      // any registered fd -> owning session's client fd

	sessionCount atomic.Int64 // mirrors len(sessions) for safe cross-goroutine reads

	stop chan struct{}
}

// New creates a Worker with its own epoll instance.
func New(id int, sink *logsink.Sink, cfg Config) (*Worker, error) {
	epollFD, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:       id,
		sink:     sink,
		cfg:      cfg,
		epollFD:  epollFD,
		sessions: make(map[int]*session),
		fdOwner:  make(map[int]int),
		stop:     make(chan struct{}),
	}, nil
}

// Assign hands a newly accepted (client, backend) pair to this Worker.
// Only the Acceptor calls this.
func (w *Worker) Assign(clientFD, backendFD int) {
	w.mu.Lock()
	w.intake = append(w.intake, pendingConn{clientFD: clientFD, backendFD: backendFD})
	w.mu.Unlock()
}

// Stop unblocks the event loop so Run returns.
func (w *Worker) Stop() {
	close(w.stop)
	unix.Close(w.epollFD)
}

// Run drives the event loop until Stop is called. It is meant to run on
// its own goroutine.
func (w *Worker) Run() error {
	events := make([]unix.EpollEvent, 1024)
	for {
		select {
		case <-w.stop:
			return nil
		default:
		}

		w.drainIntake()

		n, err := unix.EpollWait(w.epollFD, events, w.cfg.pollTimeout())
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-w.stop:
				return nil
			default:
			}
			return err
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			clientFD, ok := w.fdOwner[fd]
			if !ok {
				continue
			}
			sess, ok := w.sessions[clientFD]
			if !ok {
				continue
			}

			if ev.Events&unix.EPOLLOUT != 0 && fd == sess.backendFD && sess.connecting {
				if !w.completeConnect(sess) {
					w.closeSession(sess, "connect_failed")
					continue
				}
			}

			closed := false
			if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				if w.handleRead(sess, fd) {
					closed = true
				}
			}
			if !closed && ev.Events&unix.EPOLLOUT != 0 {
				if w.handleWrite(sess, fd) {
					closed = true
				}
			}
			if closed {
				w.closeSession(sess, "io_error")
			}
		}
	}
}

func (c Config) pollTimeout() int {
	if c.PollTimeoutMs <= 0 {
		return DefaultConfig().PollTimeoutMs
	}
	return c.PollTimeoutMs
}

func (w *Worker) drainIntake() {
	w.mu.Lock()
	pending := w.intake
	w.intake = nil
	w.mu.Unlock()

	for _, p := range pending {
		sess := &session{
			id:         uuid.New(),
			clientFD:   p.clientFD,
			backendFD:  p.backendFD,
			clientBuf:  buffer.New(),
			backendBuf: buffer.New(),
			decoder:    pgwire.New(),
			connecting: true,
		}
		w.sessions[sess.clientFD] = sess
		w.sessionCount.Store(int64(len(w.sessions)))
		w.fdOwner[sess.clientFD] = sess.clientFD
		w.fdOwner[sess.backendFD] = sess.clientFD

		if err := w.register(sess.clientFD, unix.EPOLLIN|unix.EPOLLET); err != nil {
			log.Printf("[worker %d] register client fd failed: %v", w.id, err)
			w.closeSession(sess, "register_failed")
			continue
		}
		// The backend connect was issued non-blocking by the Acceptor; the
		// first EPOLLOUT on this fd means "connect completed, check
		// SO_ERROR" rather than "ready to drain the outbound buffer".
		if err := w.register(sess.backendFD, unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLET); err != nil {
			log.Printf("[worker %d] register backend fd failed: %v", w.id, err)
			w.closeSession(sess, "register_failed")
			continue
		}
		metrics.SessionsOpened.Inc()
	}
}

func (w *Worker) register(fd int, events uint32) error {
	return unix.EpollCtl(w.epollFD, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (w *Worker) completeConnect(sess *session) bool {
	errno, err := unix.GetsockoptInt(sess.backendFD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		metrics.BackendConnectFailures.Inc()
		return false
	}
	sess.connecting = false
	// Drop back to read-only interest; writes are re-armed only when the
	// outbound buffer has data (the readiness-interest update rule).
	w.updateInterest(sess.backendFD, sess.clientBuf)
	return true
}

// handleRead drains fd in a loop until EAGAIN, EOF, or a hard error.
// It returns true if the session should be closed.
func (w *Worker) handleRead(sess *session, fd int) bool {
	buf := make([]byte, readChunkSize)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if fd == sess.clientFD {
				lines := sess.decoder.Decode(chunk)
				for _, line := range lines {
					w.sink.Log(line)
				}
				metrics.LogLinesEmitted.Add(float64(len(lines)))
				metrics.BytesForwarded.WithLabelValues("client_to_backend").Add(float64(n))
				sess.clientBuf.Append(chunk)
				w.updateInterest(sess.backendFD, sess.clientBuf)
				w.maybePause(sess, sess.clientBuf, &sess.clientPaused, sess.clientFD)
			} else {
				metrics.BytesForwarded.WithLabelValues("backend_to_client").Add(float64(n))
				sess.backendBuf.Append(chunk)
				w.updateInterest(sess.clientFD, sess.backendBuf)
				w.maybePause(sess, sess.backendBuf, &sess.backendPaused, sess.backendFD)
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			if err == unix.EINTR {
				continue
			}
			return true
		}
		if n == 0 {
			return true
		}
	}
}

// handleWrite sends as much as possible from the buffer matching fd's
// direction. It returns true if the session should be closed.
func (w *Worker) handleWrite(sess *session, fd int) bool {
	out := drainBufferFor(sess, fd)
	if out == nil {
		return false
	}
	var pausedFlag *bool
	switch fd {
	case sess.backendFD:
		pausedFlag = &sess.clientPaused
	case sess.clientFD:
		pausedFlag = &sess.backendPaused
	}

	for !out.Empty() {
		n, err := unix.Write(fd, out.Bytes())
		if n > 0 {
			out.Consume(n)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			return true
		}
		if n == 0 {
			break
		}
	}

	w.updateInterest(fd, out)
	w.maybeResume(sess, out, pausedFlag, readSourceFor(sess, fd))
	return false
}

// readSourceFor returns the fd whose read-interest is paused/resumed by
// the given outbound buffer's fd (the buffer drained by fd is filled by
// reads on the opposite socket).
func readSourceFor(sess *session, drainFD int) int {
	if drainFD == sess.backendFD {
		return sess.clientFD
	}
	return sess.backendFD
}

// drainBufferFor returns the buffer that fd is written to as it drains
// (the same selection handleWrite makes): every session fd is dual
// purpose, simultaneously the read-source for one buffer and the
// drain/write-destination for the other.
func drainBufferFor(sess *session, fd int) *buffer.Buffer {
	switch fd {
	case sess.backendFD:
		return sess.clientBuf
	case sess.clientFD:
		return sess.backendBuf
	default:
		return nil
	}
}

// updateInterest effects the readiness-interest update rule: read
// interest is on unless fd is paused for back-pressure; write interest
// is on iff out is non-empty.
func (w *Worker) updateInterest(fd int, out *buffer.Buffer) {
	readEnabled := true
	if clientFD, ok := w.fdOwner[fd]; ok {
		if sess, ok := w.sessions[clientFD]; ok {
			switch fd {
			case sess.clientFD:
				readEnabled = !sess.clientPaused
			case sess.backendFD:
				readEnabled = !sess.backendPaused
			}
		}
	}
	w.setInterest(fd, readEnabled, !out.Empty())
}

// setInterest rearms fd's epoll registration with exactly the given read
// and write interest. Callers must never hard-code the other bit: fd may
// simultaneously be the read-source for one buffer and the drain for
// the other, and clobbering one bit to set the other would violate the
// write-interest invariant.
func (w *Worker) setInterest(fd int, readEnabled, writeEnabled bool) {
	events := uint32(unix.EPOLLET)
	if readEnabled {
		events |= unix.EPOLLIN
	}
	if writeEnabled {
		events |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epollFD, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		if err == unix.ENOENT {
			unix.EpollCtl(w.epollFD, unix.EPOLL_CTL_ADD, fd, ev)
		}
	}
}

// maybePause deregisters read-interest on sourceFD once out crosses the
// high-water mark, implementing the back-pressure required change. Any
// pending write-interest sourceFD independently carries as a drain fd
// for the opposite buffer is preserved.
func (w *Worker) maybePause(sess *session, out *buffer.Buffer, paused *bool, sourceFD int) {
	if !*paused && out.Size() >= w.cfg.HighWaterMark {
		*paused = true
		drain := drainBufferFor(sess, sourceFD)
		w.setInterest(sourceFD, false, drain != nil && !drain.Empty())
		metrics.BackpressurePauses.Inc()
	}
}

// maybeResume restores read-interest on sourceFD once out drains below
// the low-water mark, preserving whatever write-interest sourceFD
// independently carries as a drain fd for the opposite buffer.
func (w *Worker) maybeResume(sess *session, out *buffer.Buffer, paused *bool, sourceFD int) {
	if *paused && out.Size() <= w.cfg.LowWaterMark {
		*paused = false
		drain := drainBufferFor(sess, sourceFD)
		w.setInterest(sourceFD, true, drain != nil && !drain.Empty())
	}
}

func (w *Worker) closeSession(sess *session, reason string) {
	unix.EpollCtl(w.epollFD, unix.EPOLL_CTL_DEL, sess.clientFD, nil)
	unix.EpollCtl(w.epollFD, unix.EPOLL_CTL_DEL, sess.backendFD, nil)
	unix.Close(sess.clientFD)
	unix.Close(sess.backendFD)
	delete(w.fdOwner, sess.clientFD)
	delete(w.fdOwner, sess.backendFD)
	delete(w.sessions, sess.clientFD)
	w.sessionCount.Store(int64(len(w.sessions)))
	log.Printf("[worker %d] session %s closed: %s", w.id, sess.id, reason)
	metrics.SessionsClosed.WithLabelValues(reason).Inc()
}

// SessionCount reports the number of sessions this Worker currently
// owns. Exposed for tests and diagnostics only.
func (w *Worker) SessionCount() int {
	return int(w.sessionCount.Load())
}
