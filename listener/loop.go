package listener

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/teru01/hokay/shutdown"
)

type State int32

const (
	Accepting State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Accepting:
		return "Accepting"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ConnHandler serves a single accepted connection and closes it when done.
type ConnHandler interface {
	ServeConn(conn net.Conn, obs shutdown.Observer) error
}

type Stats struct {
	Accepted uint64
	Failed   uint64
}

// Loop accepts connections on one bound socket and hands each one to its
// own goroutine. It stops accepting when the shutdown observer fires and
// returns once every connection it started has finished.
type Loop struct {
	ln      Bound
	handler ConnHandler
	log     logr.Logger

	state    atomic.Int32
	accepted atomic.Uint64
	failed   atomic.Uint64
	active   sync.WaitGroup

	newBackOff func() backoff.BackOff
}

func NewLoop(ln Bound, handler ConnHandler, log logr.Logger) *Loop {
	return &Loop{
		ln:         ln,
		handler:    handler,
		log:        log.WithValues("address", ln.Spec),
		newBackOff: defaultAcceptBackOff,
	}
}

// Same progression as net/http: 5ms doubling up to 1s, forever.
func defaultAcceptBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(5*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(0),
	)
}

func (l *Loop) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) Stats() Stats {
	return Stats{
		Accepted: l.accepted.Load(),
		Failed:   l.failed.Load(),
	}
}

// Run must be called at most once. It returns nil when the loop ended because
// obs fired and the listener closed cleanly, otherwise the accept or close error.
func (l *Loop) Run(obs shutdown.Observer) error {
	acceptDone := make(chan struct{})
	closeResult := make(chan error, 1)

	go func() {
		select {
		case <-obs.Done():
			l.log.Info("Closing")
		case <-acceptDone:
		}
		closeResult <- l.ln.Close()
	}()

	acceptErr := l.acceptLoop(obs)
	close(acceptDone)

	l.state.Store(int32(Draining))
	closeErr := <-closeResult
	l.active.Wait()
	l.state.Store(int32(Stopped))

	stats := l.Stats()
	l.log.Info("Stopped", "accepted", stats.Accepted, "failed", stats.Failed)

	if acceptErr != nil {
		return acceptErr
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("failed to close listener %s: %w", l.ln.Spec, closeErr)
	}
	return nil
}

func (l *Loop) acceptLoop(obs shutdown.Observer) error {
	var b backoff.BackOff

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if obs.Fired() {
				return nil
			}
			if !isTemporary(err) {
				return fmt.Errorf("failed to accept on %s: %w", l.ln.Spec, err)
			}

			if b == nil {
				b = l.newBackOff()
			}
			delay := b.NextBackOff()
			l.log.Error(err, "Accept failed, retrying", "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-obs.Done():
				timer.Stop()
				return nil
			}
			continue
		}

		if b != nil {
			b.Reset()
		}
		// A connection the kernel accepted before the listener was closed is
		// still served, even if Accept returned after shutdown fired.
		l.serve(conn, obs)
	}
}

func (l *Loop) serve(conn net.Conn, obs shutdown.Observer) {
	l.accepted.Add(1)

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			l.log.V(1).Info("Could not set TCP_NODELAY", "remote", conn.RemoteAddr().String(), "error", err.Error())
		}
	}

	l.active.Add(1)
	go func() {
		defer l.active.Done()
		defer func() {
			if p := recover(); p != nil {
				l.failed.Add(1)
				_ = conn.Close()
				l.log.Error(fmt.Errorf("%v", p), "Connection handler panicked", "remote", conn.RemoteAddr().String())
			}
		}()

		if err := l.handler.ServeConn(conn, obs); err != nil {
			l.failed.Add(1)
			l.log.V(1).Info("Connection failed", "remote", conn.RemoteAddr().String(), "error", err.Error())
		}
	}()
}

func isTemporary(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ECONNABORTED)
}
