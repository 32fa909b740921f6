package listener

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DefaultAddress is used when no listen address is configured.
const DefaultAddress = "0.0.0.0:8080"

var (
	ErrNoAddresses    = errors.New("no listen addresses")
	ErrInvalidAddress = errors.New("invalid listen address")
)

// Address is a host and port to listen on. An empty Host means all interfaces.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses a "host:port" listen address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: port must be a number between 0 and 65535", ErrInvalidAddress, s)
	}

	return Address{Host: host, Port: int(port)}, nil
}

// ParseAddresses parses every address in order. An empty input yields DefaultAddress.
func ParseAddresses(specs []string) ([]Address, error) {
	if len(specs) == 0 {
		specs = []string{DefaultAddress}
	}

	addrs := make([]Address, 0, len(specs))
	for _, s := range specs {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}
