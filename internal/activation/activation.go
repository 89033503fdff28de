package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is the first descriptor systemd passes (after stdin, stdout, stderr).
const firstFD = 3

// Socket is one descriptor passed by systemd socket activation.
type Socket struct {
	Name string
	FD   int
}

// Sockets parses LISTEN_PID, LISTEN_FDS and LISTEN_FDNAMES.
// Returns nil if socket activation is absent or meant for another process.
func Sockets() ([]Socket, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	var names []string
	if raw := os.Getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}

	sockets := make([]Socket, numFDs)
	for i := range sockets {
		sockets[i] = Socket{FD: firstFD + i, Name: "unknown"}
		if i < len(names) && names[i] != "" {
			sockets[i].Name = names[i]
		}
	}
	return sockets, nil
}

// Select picks the socket called name, or the first socket when name is empty.
func Select(sockets []Socket, name string) (Socket, bool) {
	if len(sockets) == 0 {
		return Socket{}, false
	}
	if name == "" {
		return sockets[0], true
	}
	for _, s := range sockets {
		if s.Name == name {
			return s, true
		}
	}
	return Socket{}, false
}

// Listen returns the activated socket called name when the process was
// started by systemd, otherwise a new TCP listener on addr. The boolean
// reports whether the listener came from systemd.
func Listen(name, addr string) (net.Listener, bool, error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, false, err
	}

	if s, ok := Select(sockets, name); ok {
		ln, err := fileListener(s)
		if err != nil {
			return nil, false, err
		}
		// Child processes (ssh, git) must not inherit the activation state.
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
		return ln, true, nil
	}
	if len(sockets) > 0 {
		return nil, false, fmt.Errorf("no activated socket named %q", name)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

func fileListener(s Socket) (net.Listener, error) {
	file := os.NewFile(uintptr(s.FD), "systemd-socket-"+s.Name)
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", s.FD)
	}
	// The listener holds its own duplicate of the descriptor.
	defer func() { _ = file.Close() }()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", s.FD, err)
	}
	return ln, nil
}
