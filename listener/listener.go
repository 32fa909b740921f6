// Package listener binds the sockets hokay serves on and runs one accept loop
// per socket.
package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	starter "github.com/lestrrat/go-server-starter/listener"
	"github.com/libp2p/go-reuseport"
)

// ServerStarterEnvVarName is set by start_server for the processes it supervises.
const ServerStarterEnvVarName = "SERVER_STARTER_PORT"

var ErrNoInheritedListeners = errors.New("no inherited listeners: " + ServerStarterEnvVarName + " is not set")

// Bound is a socket ready to accept connections, with the spec it was created from.
type Bound struct {
	net.Listener
	Spec string
}

type BoundList []Bound

func (bl BoundList) String() string {
	specs := make([]string, len(bl))
	for i, b := range bl {
		specs[i] = b.Spec
	}
	return strings.Join(specs, ";")
}

// Close closes every listener and returns the first error.
func (bl BoundList) Close() error {
	var first error
	for _, b := range bl {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Options control how addresses are bound.
type Options struct {
	// ReusePort binds with SO_REUSEPORT so that other processes may share the port.
	ReusePort bool
}

// Bind binds every address in order. If any bind fails, the listeners bound so
// far are closed and the error is returned; no partial set is ever handed out.
func Bind(addrs []Address, opts Options) (BoundList, error) {
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}

	bound := make(BoundList, 0, len(addrs))
	for _, addr := range addrs {
		ln, err := listen(addr.String(), opts)
		if err != nil {
			_ = bound.Close()
			return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
		}
		bound = append(bound, Bound{Listener: ln, Spec: addr.String()})
	}
	return bound, nil
}

func listen(addr string, opts Options) (net.Listener, error) {
	if opts.ReusePort {
		return reuseport.Listen("tcp", addr)
	}
	return net.Listen("tcp", addr)
}

// Inherited returns the listeners passed down by start_server through the
// SERVER_STARTER_PORT environment variable. It is all-or-nothing like Bind.
func Inherited() (BoundList, error) {
	if _, found := os.LookupEnv(ServerStarterEnvVarName); !found {
		return nil, ErrNoInheritedListeners
	}

	ports, err := starter.Ports()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ServerStarterEnvVarName, err)
	}

	bound := make(BoundList, 0, len(ports))
	for _, p := range ports {
		ln, err := p.Listen()
		if err != nil {
			_ = bound.Close()
			return nil, fmt.Errorf("failed to open inherited listener %s: %w", p.String(), err)
		}
		bound = append(bound, Bound{Listener: ln, Spec: p.String()})
	}
	if len(bound) == 0 {
		return nil, ErrNoInheritedListeners
	}
	return bound, nil
}
