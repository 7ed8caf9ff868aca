package control

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// PollInterval bounds how long Serve blocks in Accept before it re-checks
// for shutdown.
const PollInterval = 5 * time.Second

const requestTimeout = 10 * time.Second

// killArgTimeout bounds the wait for the optional KILL timeout field, so a
// bare one-byte KILL is acknowledged promptly.
const killArgTimeout = 250 * time.Millisecond

// Target is what the control channel manages.
type Target interface {
	// Save persists the current result.
	Save(ctx context.Context) error
	// Kill shuts the target down. A non-positive timeout means the target's
	// configured default.
	Kill(force bool, timeout time.Duration) error
	Status() Status
	Ready() ReadyInfo
}

// Server accepts control connections. Each connection carries one command.
type Server struct {
	target Target
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer returns a server for target. A nil logger discards.
func NewServer(target Target, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{target: target, logger: logger}
}

// Listen binds addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "control: listen on %s", addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve handles connections until ctx is done. Accept is polled with a
// deadline so cancellation is observed within PollInterval even if closing
// the listener is not possible.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control: Serve called before Listen")
	}
	defer ln.Close()

	s.logger.Info("control channel listening", "addr", ln.Addr().String())
	tcp, _ := ln.(*net.TCPListener)
	for {
		if ctx.Err() != nil {
			s.wg.Wait()
			return nil
		}
		if tcp != nil {
			_ = tcp.SetDeadline(time.Now().Add(PollInterval))
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("control accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Close stops accepting.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		s.logger.Debug("control connection closed without a command", "remote", conn.RemoteAddr().String())
		return
	}
	cmd := Command(b[0])
	s.logger.Info("control command", "command", cmd.String(), "remote", conn.RemoteAddr().String())

	switch cmd {
	case CmdSave:
		// the save may outlast the request deadline
		_ = conn.SetDeadline(time.Time{})
		if err := s.target.Save(ctx); err != nil {
			s.logger.Error("save requested over control channel failed", "err", err)
			s.reply(conn, Nack)
			return
		}
		s.ack(conn)
	case CmdKill:
		var t [4]byte
		timeout := time.Duration(0)
		_ = conn.SetReadDeadline(time.Now().Add(killArgTimeout))
		if _, err := io.ReadFull(conn, t[:]); err == nil {
			if secs := int32(binary.BigEndian.Uint32(t[:])); secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}
		}
		_ = conn.SetDeadline(time.Now().Add(requestTimeout))
		s.ack(conn)
		go s.kill(false, timeout)
	case CmdForceKill:
		s.ack(conn)
		go s.kill(true, 0)
	case CmdStatus:
		if err := writeLine(conn, s.target.Status().String()); err != nil {
			s.logger.Warn("status reply failed", "err", err)
		}
	case CmdWait:
		if err := writeLine(conn, s.target.Ready().String()); err != nil {
			s.logger.Warn("wait reply failed", "err", err)
		}
	default:
		s.logger.Warn("ignoring control command", "err", errors.Wrapf(ErrUnknownCommand, "code %d", b[0]))
	}
}

func (s *Server) ack(conn net.Conn) {
	s.reply(conn, Ack)
}

func (s *Server) reply(conn net.Conn, b byte) {
	if _, err := conn.Write([]byte{b}); err != nil {
		s.logger.Warn("control ack failed", "err", err)
	}
}

func (s *Server) kill(force bool, timeout time.Duration) {
	if err := s.target.Kill(force, timeout); err != nil {
		s.logger.Error("shutdown requested over control channel failed", "force", force, "err", err)
	}
}
