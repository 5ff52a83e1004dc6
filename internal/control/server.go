// Package control implements the recorder's Unix-domain control channel:
// a small newline-delimited ASCII command protocol, plus SCM_RIGHTS file
// descriptor receipt; received descriptors are logged and closed.
package control

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/ocx/sniffer/internal/registry"
)

// DefaultSocketPath matches the path the kernel probes are compiled to
// dial.
const DefaultSocketPath = "/tmp/bpf-sniffer.sock"

// Counters exposes named counters the fetch_counter command can read.
type Counters interface {
	Counter(name string) (uint64, bool)
}

// Server accepts control connections and dispatches their commands.
type Server struct {
	SocketPath string
	Registry   *registry.ConnectionRegistry
	Counters   Counters
	Log        zerolog.Logger

	ln *net.UnixListener

	connsMu sync.Mutex
	conns   map[*net.UnixConn]struct{}
}

// NotifyIgnore relays an ignore_connection decision the registry made on
// its own (address-based ignore rules) to every connected control client,
// mirroring the wire format of the command a client would have sent to
// force it itself.
func (s *Server) NotifyIgnore(pid, fd uint32) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		s.reply(conn, "ignore_connection %d %d\n", pid, fd)
	}
}

func (s *Server) trackConn(conn *net.UnixConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.conns == nil {
		s.conns = make(map[*net.UnixConn]struct{})
	}
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn *net.UnixConn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

// Listen creates the control socket, removing any stale one left behind by
// a previous crashed process, and sets mode 0666 so an unprivileged probe
// process can connect.
func (s *Server) Listen() error {
	path := s.SocketPath
	if path == "" {
		path = DefaultSocketPath
	}
	_ = os.Remove(path)

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("control: resolve %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		ln.Close()
		return fmt.Errorf("control: chmod %s: %w", path, err)
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		go s.handle(conn)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	path := s.ln.Addr().String()
	err := s.ln.Close()
	_ = os.Remove(path)
	return err
}

func (s *Server) handle(conn *net.UnixConn) {
	defer conn.Close()
	s.trackConn(conn)
	defer s.untrackConn(conn)
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4))
	var pending []byte

	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil {
			return
		}
		if oobn > 0 {
			s.handleFDReceipt(oob[:oobn])
		}
		if n == 0 {
			continue
		}
		pending = append(pending, buf[:n]...)

		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := string(pending[:i])
			pending = pending[i+1:]
			s.dispatch(conn, line)
		}
	}
}

func (s *Server) handleFDReceipt(oob []byte) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		s.Log.Warn().Err(err).Msg("control: malformed control message")
		return
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			s.Log.Info().Int("fd", fd).Msg("control: received handed-off file descriptor")
			// The handed-off fd belongs to this process now; the registry
			// does not yet have pid/fd framing for it from the probe, so
			// it is logged and closed rather than silently leaked.
			unix.Close(fd)
		}
	}
}

func (s *Server) dispatch(conn *net.UnixConn, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "watch_port":
		s.cmdWatchPort(conn, fields[1:])
	case "ignore_connection":
		s.cmdIgnoreConnection(conn, fields[1:])
	case "fetch_counter":
		s.cmdFetchCounter(conn, fields[1:])
	default:
		s.reply(conn, "error unknown command %q\n", fields[0])
	}
}

func (s *Server) cmdWatchPort(conn *net.UnixConn, args []string) {
	if len(args) != 1 {
		s.reply(conn, "error watch_port requires 1 argument\n")
		return
	}
	port, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		s.reply(conn, "error invalid port %q\n", args[0])
		return
	}
	s.Registry.Watch(uint16(port))
	s.reply(conn, "ok\n")
}

func (s *Server) cmdIgnoreConnection(conn *net.UnixConn, args []string) {
	if len(args) != 2 {
		s.reply(conn, "error ignore_connection requires 2 arguments\n")
		return
	}
	pid, err1 := strconv.ParseUint(args[0], 10, 32)
	fd, err2 := strconv.ParseUint(args[1], 10, 32)
	if err1 != nil || err2 != nil {
		s.reply(conn, "error invalid pid/fd\n")
		return
	}
	s.Registry.ForceIgnore(uint32(pid), uint32(fd))
	s.reply(conn, "ok\n")
}

func (s *Server) cmdFetchCounter(conn *net.UnixConn, args []string) {
	if len(args) != 1 || s.Counters == nil {
		s.reply(conn, "error fetch_counter requires 1 argument\n")
		return
	}
	val, ok := s.Counters.Counter(args[0])
	if !ok {
		s.reply(conn, "error unknown counter %q\n", args[0])
		return
	}
	s.reply(conn, "%d\n", val)
}

func (s *Server) reply(conn *net.UnixConn, format string, args ...any) {
	_, _ = conn.Write([]byte(fmt.Sprintf(format, args...)))
}
