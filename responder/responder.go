// Package responder speaks just enough HTTP/1.1 to answer every request on a
// connection with 204 No Content.
package responder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/teru01/hokay/shutdown"
)

const (
	DefaultHeaderReadTimeout = 2 * time.Second
	DefaultMaxHeaderBytes    = 8 * 1024
)

var (
	ErrHeaderReadTimeout = errors.New("timed out reading request headers")
	ErrHeaderTooLarge    = errors.New("request headers too large")
	ErrMalformedRequest  = errors.New("malformed request")
)

type Options struct {
	// Product and Version make up the Server header value.
	Product string
	Version string

	// HeaderReadTimeout bounds the wait for each request's header block.
	HeaderReadTimeout time.Duration

	// MaxHeaderBytes bounds the request line plus headers.
	MaxHeaderBytes int
}

// Responder answers every request with the same empty 204 response.
type Responder struct {
	serverHeader      string
	headerReadTimeout time.Duration
	maxHeaderBytes    int

	now func() time.Time
}

func New(opts Options) *Responder {
	if opts.HeaderReadTimeout <= 0 {
		opts.HeaderReadTimeout = DefaultHeaderReadTimeout
	}
	if opts.MaxHeaderBytes <= 0 {
		opts.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Responder{
		serverHeader:      ServerHeader(opts.Product, opts.Version),
		headerReadTimeout: opts.HeaderReadTimeout,
		maxHeaderBytes:    opts.MaxHeaderBytes,
		now:               time.Now,
	}
}

// ServerHeader formats a Server header value as product/version.
func ServerHeader(product, version string) string {
	if version == "" {
		return product
	}
	return product + "/" + version
}

// rstAvoidanceDelay is how long a rejected connection lingers after its response.
const rstAvoidanceDelay = 500 * time.Millisecond

// aLongTimeAgo is a deadline that has certainly passed, used to wake a blocked read.
var aLongTimeAgo = time.Unix(1, 0)

// ServeConn reads requests from conn until the client closes it, asks for it
// to be closed, or shutdown fires while the connection is idle. It always
// closes conn. The request itself is never inspected beyond HTTP framing.
func (r *Responder) ServeConn(conn net.Conn, obs shutdown.Observer) error {
	defer conn.Close()

	lr := &io.LimitedReader{R: conn}
	br := bufio.NewReaderSize(lr, r.maxHeaderBytes)
	bw := bufio.NewWriterSize(conn, 512)

	// idle is true only while waiting for the first byte of the next request on
	// a kept-alive connection. mu orders the watcher's deadline change against
	// the idle to busy transition.
	var (
		mu   sync.Mutex
		idle bool
	)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-obs.Done():
			mu.Lock()
			if idle {
				_ = conn.SetReadDeadline(aLongTimeAgo)
			}
			mu.Unlock()
		case <-finished:
		}
	}()

	for first := true; ; first = false {
		deadline := r.now().Add(r.headerReadTimeout)
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		lr.N = int64(r.maxHeaderBytes)

		if !first {
			mu.Lock()
			idle = true
			mu.Unlock()
			if obs.Fired() {
				return nil
			}

			// Same as net/http's conn.serve: the connection stops being idle
			// once the next request's first byte is here.
			_, err := br.Peek(1)

			mu.Lock()
			idle = false
			mu.Unlock()
			if err != nil {
				return r.idleReadFailed(err)
			}
			// Undo a wake-up the watcher may have delivered while we were idle.
			if err := conn.SetReadDeadline(deadline); err != nil {
				return err
			}
		}

		req, err := http.ReadRequest(br)
		if err != nil {
			return r.readFailed(conn, br, bw, err, lr.N, first, obs)
		}

		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return err
		}
		lr.N = math.MaxInt64

		keepAlive := !req.Close && !obs.Fired()
		if expectsContinue(req) {
			// The body was never asked for; the stream position after it is unknown.
			keepAlive = false
		} else if _, err := io.Copy(io.Discard, req.Body); err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}

		if err := r.writeNoContent(bw, req, keepAlive); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		if !keepAlive {
			return nil
		}
	}
}

// idleReadFailed handles an error while waiting for a request that has not
// started. Nothing is in flight, so timeouts and EOF end the connection quietly.
func (r *Responder) idleReadFailed(err error) error {
	var netErr net.Error
	if errors.Is(err, io.EOF) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return nil
	}
	return fmt.Errorf("failed waiting for next request: %w", err)
}

// readFailed decides what a failed request read means. remaining is how much
// of the header budget was left, so a full budget means no bytes arrived.
func (r *Responder) readFailed(conn net.Conn, br *bufio.Reader, bw *bufio.Writer, err error, remaining int64, first bool, obs shutdown.Observer) error {
	received := remaining < int64(r.maxHeaderBytes) || br.Buffered() > 0

	if errors.Is(err, io.EOF) && !received {
		// Client closed between requests.
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if obs.Fired() && !received {
			return nil
		}
		if !first && !received {
			// Kept-alive connection went quiet.
			return nil
		}
		return ErrHeaderReadTimeout
	}

	if remaining <= 0 {
		r.reject(conn, bw, http.StatusRequestHeaderFieldsTooLarge)
		return ErrHeaderTooLarge
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: connection closed mid-request", ErrMalformedRequest)
	}

	r.reject(conn, bw, http.StatusBadRequest)
	return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
}

func (r *Responder) writeNoContent(bw *bufio.Writer, req *http.Request, keepAlive bool) error {
	proto := "HTTP/1.1"
	if req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		proto = "HTTP/1.0"
	}

	fmt.Fprintf(bw, "%s 204 No Content\r\n", proto)
	fmt.Fprintf(bw, "Server: %s\r\n", r.serverHeader)
	fmt.Fprintf(bw, "Date: %s\r\n", r.now().UTC().Format(http.TimeFormat))
	switch {
	case !keepAlive:
		bw.WriteString("Connection: close\r\n")
	case proto == "HTTP/1.0":
		bw.WriteString("Connection: keep-alive\r\n")
	}
	bw.WriteString("\r\n")
	return bw.Flush()
}

// reject writes an error response and half-closes the connection, giving the
// client a moment to read it before unread request bytes turn the final close
// into a reset.
func (r *Responder) reject(conn net.Conn, bw *bufio.Writer, code int) {
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	fmt.Fprintf(bw, "Server: %s\r\n", r.serverHeader)
	bw.WriteString("Content-Length: 0\r\nConnection: close\r\n\r\n")
	if err := bw.Flush(); err != nil {
		return
	}

	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		time.Sleep(rstAvoidanceDelay)
	}
}

func expectsContinue(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Expect"), "100-continue")
}
