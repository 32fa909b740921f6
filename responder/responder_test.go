package responder

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teru01/hokay/shutdown"
)

const testTimeout = 5 * time.Second

// serveOne accepts a single connection and serves it with r.
func serveOne(t *testing.T, r *Responder, obs shutdown.Observer) (net.Conn, <-chan error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	result := make(chan error, 1)
	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			result <- acceptErr
			return
		}
		result <- r.ServeConn(conn, obs)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, result
}

func waitResult(t *testing.T, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-time.After(testTimeout):
		t.Fatal("connection was not finished")
		return nil
	}
}

func readResponse(t *testing.T, br *bufio.Reader) *http.Response {
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, body)
	return resp
}

func newTestResponder(opts Options) *Responder {
	if opts.Product == "" {
		opts.Product = "hokay"
		opts.Version = "1.2.3"
	}
	return New(opts)
}

func TestRespondsNoContentToAnyRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		request string
	}{
		{
			name:    "get",
			request: "GET / HTTP/1.1\r\nHost: example\r\nConnection: close\r\n\r\n",
		},
		{
			name:    "post with body",
			request: "POST /submit?x=1 HTTP/1.1\r\nHost: example\r\nContent-Length: 11\r\nConnection: close\r\n\r\nhello world",
		},
		{
			name:    "chunked put",
			request: "PUT /a/b HTTP/1.1\r\nHost: example\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n5\r\nhello\r\n0\r\n\r\n",
		},
		{
			name:    "delete with headers",
			request: "DELETE /thing HTTP/1.1\r\nHost: example\r\nX-Custom: 1\r\nAccept: */*\r\nConnection: close\r\n\r\n",
		},
		{
			name:    "options asterisk",
			request: "OPTIONS * HTTP/1.1\r\nHost: example\r\nConnection: close\r\n\r\n",
		},
		{
			name:    "head",
			request: "HEAD /index.html HTTP/1.1\r\nHost: example\r\nConnection: close\r\n\r\n",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, result := serveOne(t, newTestResponder(Options{}), shutdown.New().Observe())
			_, err := io.WriteString(client, tt.request)
			require.NoError(t, err)

			resp := readResponse(t, bufio.NewReader(client))
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
			assert.Equal(t, "HTTP/1.1", resp.Proto)
			assert.Equal(t, "hokay/1.2.3", resp.Header.Get("Server"))
			assert.NotEmpty(t, resp.Header.Get("Date"))
			assert.True(t, resp.Close)

			require.NoError(t, waitResult(t, result))
		})
	}
}

func TestKeepAlive(t *testing.T) {
	t.Parallel()

	client, result := serveOne(t, newTestResponder(Options{}), shutdown.New().Observe())
	br := bufio.NewReader(client)

	for i := 0; i < 3; i++ {
		_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: example\r\n\r\n")
		require.NoError(t, err)
		resp := readResponse(t, br)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		require.False(t, resp.Close)
	}

	require.NoError(t, client.Close())
	require.NoError(t, waitResult(t, result))
}

func TestPipelinedRequests(t *testing.T) {
	t.Parallel()

	client, result := serveOne(t, newTestResponder(Options{}), shutdown.New().Observe())
	_, err := io.WriteString(client, "GET /1 HTTP/1.1\r\nHost: a\r\n\r\nGET /2 HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(client)
	require.False(t, readResponse(t, br).Close)
	require.True(t, readResponse(t, br).Close)
	require.NoError(t, waitResult(t, result))
}

func TestHalfClosedClientIsServed(t *testing.T) {
	t.Parallel()

	client, result := serveOne(t, newTestResponder(Options{}), shutdown.New().Observe())
	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: example\r\n\r\n")
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	resp := readResponse(t, bufio.NewReader(client))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NoError(t, waitResult(t, result))
}

func TestHTTP10(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		request   string
		wantClose bool
	}{
		{name: "default close", request: "GET / HTTP/1.0\r\n\r\n", wantClose: true},
		{name: "keep-alive", request: "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", wantClose: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, result := serveOne(t, newTestResponder(Options{}), shutdown.New().Observe())
			_, err := io.WriteString(client, tt.request)
			require.NoError(t, err)

			resp := readResponse(t, bufio.NewReader(client))
			require.Equal(t, http.StatusNoContent, resp.StatusCode)
			require.Equal(t, "HTTP/1.0", resp.Proto)
			require.Equal(t, tt.wantClose, resp.Close)

			client.Close()
			require.NoError(t, waitResult(t, result))
		})
	}
}

func TestSilentClientTimesOut(t *testing.T) {
	t.Parallel()

	r := newTestResponder(Options{HeaderReadTimeout: 100 * time.Millisecond})
	client, result := serveOne(t, r, shutdown.New().Observe())

	start := time.Now()
	require.ErrorIs(t, waitResult(t, result), ErrHeaderReadTimeout)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	n, err := client.Read(make([]byte, 1))
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestPartialHeadersTimeOut(t *testing.T) {
	t.Parallel()

	r := newTestResponder(Options{HeaderReadTimeout: 100 * time.Millisecond})
	client, result := serveOne(t, r, shutdown.New().Observe())
	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: exa")
	require.NoError(t, err)

	require.ErrorIs(t, waitResult(t, result), ErrHeaderReadTimeout)
}

func TestIdleKeepAliveTimeoutIsNotAnError(t *testing.T) {
	t.Parallel()

	r := newTestResponder(Options{HeaderReadTimeout: 100 * time.Millisecond})
	client, result := serveOne(t, r, shutdown.New().Observe())
	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: example\r\n\r\n")
	require.NoError(t, err)
	readResponse(t, bufio.NewReader(client))

	require.NoError(t, waitResult(t, result))
}

func TestOversizedHeadersRejected(t *testing.T) {
	t.Parallel()

	client, result := serveOne(t, newTestResponder(Options{}), shutdown.New().Observe())
	request := "GET / HTTP/1.1\r\nHost: example\r\nX-Big: " + strings.Repeat("a", 2*DefaultMaxHeaderBytes) + "\r\n\r\n"
	go func() {
		_, _ = io.WriteString(client, request)
	}()

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)
	require.ErrorIs(t, waitResult(t, result), ErrHeaderTooLarge)
}

func TestMalformedRequestRejected(t *testing.T) {
	t.Parallel()

	client, result := serveOne(t, newTestResponder(Options{}), shutdown.New().Observe())
	_, err := io.WriteString(client, "this is not http\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.ErrorIs(t, waitResult(t, result), ErrMalformedRequest)
}

func TestExpectContinueClosesAfterResponse(t *testing.T) {
	t.Parallel()

	client, result := serveOne(t, newTestResponder(Options{}), shutdown.New().Observe())
	_, err := io.WriteString(client, "POST / HTTP/1.1\r\nHost: example\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n")
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(client))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, resp.Close)
	require.NoError(t, waitResult(t, result))
}

func TestShutdownClosesIdleConnection(t *testing.T) {
	t.Parallel()

	b := shutdown.New()
	r := newTestResponder(Options{HeaderReadTimeout: time.Minute})
	client, result := serveOne(t, r, b.Observe())

	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: example\r\n\r\n")
	require.NoError(t, err)
	br := bufio.NewReader(client)
	require.False(t, readResponse(t, br).Close)

	b.Fire()
	require.NoError(t, waitResult(t, result))

	_, err = br.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestShutdownMidRequestFinishesResponse(t *testing.T) {
	t.Parallel()

	b := shutdown.New()
	r := newTestResponder(Options{HeaderReadTimeout: time.Minute})
	client, result := serveOne(t, r, b.Observe())

	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: example\r\n")
	require.NoError(t, err)
	b.Fire()

	select {
	case err := <-result:
		t.Fatalf("connection ended before the request completed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	_, err = io.WriteString(client, "\r\n")
	require.NoError(t, err)

	resp := readResponse(t, bufio.NewReader(client))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, resp.Close)
	require.NoError(t, waitResult(t, result))
}

func TestShutdownMidKeptAliveRequestFinishesResponse(t *testing.T) {
	t.Parallel()

	b := shutdown.New()
	r := newTestResponder(Options{HeaderReadTimeout: time.Minute})
	client, result := serveOne(t, r, b.Observe())
	br := bufio.NewReader(client)

	_, err := io.WriteString(client, "GET /first HTTP/1.1\r\nHost: example\r\n\r\n")
	require.NoError(t, err)
	require.False(t, readResponse(t, br).Close)

	_, err = io.WriteString(client, "GET /second HTTP/1.1\r\nHost: example\r\n")
	require.NoError(t, err)
	// Let the partial headers reach the server before shutdown fires.
	time.Sleep(100 * time.Millisecond)
	b.Fire()

	select {
	case err := <-result:
		t.Fatalf("connection ended before the second request completed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	_, err = io.WriteString(client, "\r\n")
	require.NoError(t, err)

	resp := readResponse(t, br)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, resp.Close)
	require.NoError(t, waitResult(t, result))
}

func TestServerHeader(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hokay/0.1.0", ServerHeader("hokay", "0.1.0"))
	require.Equal(t, "hokay", ServerHeader("hokay", ""))
}
