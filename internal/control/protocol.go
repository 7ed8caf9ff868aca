package control

import (
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Command is the single byte that opens a control request.
// Every connection carries exactly one command and its reply.
type Command byte

const (
	// CmdSave asks the collector to persist its result. The reply is Ack
	// once the save finished, or Nack if it failed.
	CmdSave Command = 1
	// CmdKill requests a graceful shutdown. It may be followed by a
	// big-endian int32 timeout in seconds; zero or a missing field means the
	// collector's configured timeout. The reply is Ack, sent before the
	// shutdown starts.
	CmdKill Command = 2
	// CmdForceKill requests an immediate shutdown without a save.
	CmdForceKill Command = 3
	// CmdStatus is answered with a Status line.
	CmdStatus Command = 4
	// CmdWait is answered with a ReadyInfo line.
	CmdWait Command = 5
)

const (
	// Ack is the one-byte reply to SAVE, KILL and FORCE_KILL.
	Ack byte = 0x01
	// Nack replaces Ack when the command was understood but failed.
	Nack byte = 0x00
)

var (
	// ErrUnknownCommand is returned for a byte that is not a Command.
	ErrUnknownCommand = errors.New("control: unknown command")
	// ErrCommandFailed is returned by the client when the server replied
	// with Nack.
	ErrCommandFailed = errors.New("control: command failed on the collector")
)

func (c Command) String() string {
	switch c {
	case CmdSave:
		return "SAVE"
	case CmdKill:
		return "KILL"
	case CmdForceKill:
		return "FORCE_KILL"
	case CmdStatus:
		return "STATUS"
	case CmdWait:
		return "WAIT"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
	}
}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	return c >= CmdSave && c <= CmdWait
}

// Status is the STATUS snapshot.
type Status struct {
	Running  bool
	Total    int64
	Active   int64
	Unsaved  bool
	Command  string
	WorkDir  string
	Template string
	Output   string
}

// String renders the semicolon-delimited line sent on the wire.
func (s Status) String() string {
	return strings.Join([]string{
		strconv.FormatBool(s.Running),
		strconv.FormatInt(s.Total, 10),
		strconv.FormatInt(s.Active, 10),
		strconv.FormatBool(s.Unsaved),
		s.Command,
		s.WorkDir,
		s.Template,
		s.Output,
	}, ";")
}

// ParseStatus parses a line produced by Status.String. Fields after the
// fourth may themselves not contain ';'.
func ParseStatus(line string) (Status, error) {
	parts := strings.Split(line, ";")
	if len(parts) != 8 {
		return Status{}, errors.Newf("control: status has %d fields, want 8", len(parts))
	}
	var s Status
	var err error
	if s.Running, err = strconv.ParseBool(parts[0]); err != nil {
		return Status{}, errors.Wrap(err, "control: running flag")
	}
	if s.Total, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return Status{}, errors.Wrap(err, "control: total connections")
	}
	if s.Active, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return Status{}, errors.Wrap(err, "control: active connections")
	}
	if s.Unsaved, err = strconv.ParseBool(parts[3]); err != nil {
		return Status{}, errors.Wrap(err, "control: unsaved flag")
	}
	s.Command, s.WorkDir, s.Template, s.Output = parts[4], parts[5], parts[6], parts[7]
	return s, nil
}

// ReadyInfo is the WAIT reply.
type ReadyInfo struct {
	Started  bool
	Host     string
	Port     int
	Template string
}

func (r ReadyInfo) String() string {
	return strings.Join([]string{
		strconv.FormatBool(r.Started),
		r.Host,
		strconv.Itoa(r.Port),
		r.Template,
	}, ";")
}

// ParseReady parses a line produced by ReadyInfo.String.
func ParseReady(line string) (ReadyInfo, error) {
	parts := strings.SplitN(line, ";", 4)
	if len(parts) != 4 {
		return ReadyInfo{}, errors.Newf("control: wait reply has %d fields, want 4", len(parts))
	}
	var r ReadyInfo
	var err error
	if r.Started, err = strconv.ParseBool(parts[0]); err != nil {
		return ReadyInfo{}, errors.Wrap(err, "control: started flag")
	}
	r.Host = parts[1]
	if r.Port, err = strconv.Atoi(parts[2]); err != nil {
		return ReadyInfo{}, errors.Wrap(err, "control: port")
	}
	r.Template = parts[3]
	return r, nil
}

// writeLine sends a reply line as a 2-byte big-endian length and the bytes.
func writeLine(w io.Writer, s string) error {
	if len(s) > 0xffff {
		s = s[:0xffff]
	}
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	copy(buf[2:], s)
	_, err := w.Write(buf)
	return errors.Wrap(err, "control: write reply")
}

func readLine(r io.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", errors.Wrap(err, "control: read reply length")
	}
	b := make([]byte, binary.BigEndian.Uint16(l[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errors.Wrap(err, "control: read reply")
	}
	return string(b), nil
}
