package hokay

import (
	"os"
	"syscall"
)

// Names for the signals Run subscribes to.
var niceSigNames = map[syscall.Signal]string{
	syscall.SIGINT:  "INT",
	syscall.SIGTERM: "TERM",
}

func signame(s os.Signal) string {
	if ss, ok := s.(syscall.Signal); ok {
		if name, ok := niceSigNames[ss]; ok {
			return name
		}
	}
	return s.String()
}
