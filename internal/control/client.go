package control

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cockroachdb/errors"
)

// Client sends commands to a control server. Every call opens its own
// connection.
type Client struct {
	Addr    string
	Timeout time.Duration
}

// NewClient returns a client for addr with a 10 second per-call timeout.
func NewClient(addr string) *Client {
	return &Client{Addr: addr, Timeout: 10 * time.Second}
}

func (c *Client) roundTrip(ctx context.Context, req []byte, reply func(net.Conn) error) error {
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return errors.Wrapf(err, "control: dial %s", c.Addr)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	if _, err := conn.Write(req); err != nil {
		return errors.Wrapf(err, "control: send %s", Command(req[0]))
	}
	return reply(conn)
}

func readAck(conn net.Conn) error {
	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return errors.Wrap(err, "control: read ack")
	}
	if b[0] == Nack {
		return ErrCommandFailed
	}
	if b[0] != Ack {
		return errors.Newf("control: unexpected ack byte %#x", b[0])
	}
	return nil
}

// Save asks the collector to persist its result and waits for the ack.
func (c *Client) Save(ctx context.Context) error {
	return c.roundTrip(ctx, []byte{byte(CmdSave)}, readAck)
}

// Kill requests a graceful shutdown. timeout overrides the collector's
// configured wait for in-flight connections when positive.
func (c *Client) Kill(ctx context.Context, timeout time.Duration) error {
	req := make([]byte, 5)
	req[0] = byte(CmdKill)
	binary.BigEndian.PutUint32(req[1:], uint32(int32(timeout/time.Second)))
	return c.roundTrip(ctx, req, readAck)
}

// ForceKill requests an immediate shutdown without saving.
func (c *Client) ForceKill(ctx context.Context) error {
	return c.roundTrip(ctx, []byte{byte(CmdForceKill)}, readAck)
}

// Status fetches the collector's status snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.roundTrip(ctx, []byte{byte(CmdStatus)}, func(conn net.Conn) error {
		line, err := readLine(conn)
		if err != nil {
			return err
		}
		st, err = ParseStatus(line)
		return err
	})
	return st, err
}

// Wait asks whether the collector has finished starting.
func (c *Client) Wait(ctx context.Context) (ReadyInfo, error) {
	var ri ReadyInfo
	err := c.roundTrip(ctx, []byte{byte(CmdWait)}, func(conn net.Conn) error {
		line, err := readLine(conn)
		if err != nil {
			return err
		}
		ri, err = ParseReady(line)
		return err
	})
	return ri, err
}

// Backoff controls WaitReady's retry schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff starts at 100ms and doubles up to 5s.
var DefaultBackoff = Backoff{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2}

func (b Backoff) next(d time.Duration) time.Duration {
	if d <= 0 {
		return b.Initial
	}
	n := time.Duration(float64(d) * b.Factor)
	if n > b.Max {
		n = b.Max
	}
	return n
}

// WaitReady polls WAIT until the collector reports it has started or ctx
// ends. Connection failures are retried; a collector that is not listening
// yet is the normal case.
//
// Parameters:
//   - ctx: Bounds the whole wait
//   - b: Retry schedule between attempts
//   - logger: Debug logging of failed attempts; nil discards
//
// Returns:
//   - ReadyInfo: The collector's data host, port and template
//   - error: ctx ended before the collector reported ready
//
// Example:
//
//	ctx, cancel := context.WithTimeout(ctx, time.Minute)
//	defer cancel()
//	ri, err := control.NewClient("localhost:3336").WaitReady(ctx, control.DefaultBackoff, nil)
func (c *Client) WaitReady(ctx context.Context, b Backoff, logger *slog.Logger) (ReadyInfo, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		ri, err := c.Wait(ctx)
		if err == nil && ri.Started {
			return ri, nil
		}
		if err != nil {
			logger.Debug("collector not reachable yet", "attempt", attempt, "err", err)
		} else {
			logger.Debug("collector still starting", "attempt", attempt)
		}
		delay = b.next(delay)
		select {
		case <-ctx.Done():
			if err == nil {
				err = errors.New("collector never reported ready")
			}
			return ReadyInfo{}, errors.Wrap(errors.CombineErrors(ctx.Err(), err), "control: wait ready")
		case <-time.After(delay):
		}
	}
}
