// Package hokay runs a set of listeners that answer every HTTP request with
// 204 No Content, and shuts all of them down together on SIGINT or SIGTERM.
package hokay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/teru01/hokay/listener"
	"github.com/teru01/hokay/responder"
	"github.com/teru01/hokay/shutdown"
)

const Product = "hokay"

// Version is overridden at build time with -ldflags "-X github.com/teru01/hokay.Version=...".
var Version = "0.1.0"

var ErrUnexpectedExit = errors.New("server exited unexpectedly")

type Config interface {
	// Addrs returns the listen addresses in host:port form. Empty means the default.
	Addrs() []string
	// Inherit makes the service take its listeners from start_server instead of binding.
	Inherit() bool
	ReusePort() bool
	ServerName() string
	HeaderReadTimeout() time.Duration
	MaxHeaderBytes() int
}

type notifyFunc func(c chan<- os.Signal, sig ...os.Signal)

// Service is the coordinator: it binds every address, runs a listener loop for
// each, and turns the first interrupt or terminate signal into a shutdown of all
// of them.
type Service struct {
	addrs     []listener.Address
	inherit   bool
	bindOpts  listener.Options
	responder *responder.Responder
	log       logr.Logger

	broadcaster *shutdown.Broadcaster
	ready       chan struct{}

	mu    sync.Mutex
	loops []*listener.Loop

	bindListeners func() (listener.BoundList, error)
	notify        notifyFunc
	stopNotify    func(c chan<- os.Signal)
}

func NewService(c Config, log logr.Logger) (*Service, error) {
	var addrs []listener.Address
	if !c.Inherit() {
		var err error
		if addrs, err = listener.ParseAddresses(c.Addrs()); err != nil {
			return nil, err
		}
	}

	name := c.ServerName()
	if name == "" {
		name = Product
	}

	s := &Service{
		addrs:    addrs,
		inherit:  c.Inherit(),
		bindOpts: listener.Options{ReusePort: c.ReusePort()},
		responder: responder.New(responder.Options{
			Product:           name,
			Version:           Version,
			HeaderReadTimeout: c.HeaderReadTimeout(),
			MaxHeaderBytes:    c.MaxHeaderBytes(),
		}),
		log:         log,
		broadcaster: shutdown.New(),
		ready:       make(chan struct{}),
		notify:      signal.Notify,
		stopNotify:  signal.Stop,
	}
	s.bindListeners = s.bind
	return s, nil
}

// Ready is closed once every listener is bound and accepting.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Addrs returns the bound addresses, in configuration order. It is empty until Ready.
func (s *Service) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, len(s.loops))
	for i, l := range s.loops {
		addrs[i] = l.Addr()
	}
	return addrs
}

// Stop shuts the service down as if a signal had been received. It may be
// called any number of times, before or during Run.
func (s *Service) Stop() {
	s.broadcaster.Fire()
}

// Run binds, serves, and blocks until shutdown has completed. It returns nil
// only when the service was told to stop (signal, Stop, or ctx) and every
// listener drained cleanly. Run must be called at most once.
func (s *Service) Run(ctx context.Context) error {
	bound, err := s.bindListeners()
	if err != nil {
		return err
	}

	loops := make([]*listener.Loop, len(bound))
	for i, b := range bound {
		loops[i] = listener.NewLoop(b, s.responder, s.log)
		s.log.Info("Listening", "address", b.Addr().String())
	}
	s.mu.Lock()
	s.loops = loops
	s.mu.Unlock()

	interrupt := make(chan os.Signal, 1)
	terminate := make(chan os.Signal, 1)
	s.notify(interrupt, os.Interrupt)
	s.notify(terminate, syscall.SIGTERM)
	defer s.stopNotify(interrupt)
	defer s.stopNotify(terminate)

	results := make([]error, len(loops))
	allDone := make(chan struct{})
	var wg sync.WaitGroup
	for i, l := range loops {
		wg.Add(1)
		go func(i int, l *listener.Loop) {
			defer wg.Done()
			results[i] = l.Run(s.broadcaster.Observe())
		}(i, l)
	}
	go func() {
		wg.Wait()
		close(allDone)
	}()
	close(s.ready)

	obs := s.broadcaster.Observe()
	select {
	case <-allDone:
		if !obs.Fired() {
			return unexpectedExit(firstError(results))
		}
	case sig := <-interrupt:
		s.log.Info("Received signal, shutting down", "signal", signame(sig))
	case sig := <-terminate:
		s.log.Info("Received signal, shutting down", "signal", signame(sig))
	case <-obs.Done():
		s.log.Info("Stop requested, shutting down")
	case <-ctx.Done():
		s.log.Info("Context done, shutting down", "reason", ctx.Err().Error())
	}

	s.broadcaster.Fire()
	<-allDone

	if err := firstError(results); err != nil {
		return unexpectedExit(err)
	}
	return nil
}

func (s *Service) bind() (listener.BoundList, error) {
	if s.inherit {
		return listener.Inherited()
	}
	return listener.Bind(s.addrs, s.bindOpts)
}

// firstError returns the first non-nil error in listener order.
func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func unexpectedExit(err error) error {
	if err == nil {
		return ErrUnexpectedExit
	}
	return fmt.Errorf("%w: %w", ErrUnexpectedExit, err)
}
