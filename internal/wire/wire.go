// Package wire implements the producer-to-collector data protocol.
//
// A submission starts with the 4-byte magic "JCOV", a version byte, three
// length-prefixed UTF-8 strings (tester, test, product) and a dynamic flag.
// Static submissions continue with a template fingerprint, a slot count and
// (index, value) pairs; dynamic submissions carry a coverage document for
// the rest of the stream. Streams that do not start with the magic are read
// as a legacy raw array of big-endian 64-bit counters.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/covgrid/internal/codec"
	"github.com/dreamware/covgrid/internal/model"
)

const (
	// Magic marks a versioned submission.
	Magic = "JCOV"
	// Version is the protocol version this package writes.
	Version byte = 1
	// MaxLegacyLongs caps a legacy counter array.
	MaxLegacyLongs = 1_000_000
	// maxString bounds a length-prefixed string.
	maxString = 0xffff
)

var (
	// ErrIncorrectLongs is returned for a legacy stream whose length is not a
	// whole number of counters or exceeds MaxLegacyLongs.
	ErrIncorrectLongs = errors.New("incorrect number of longs")
	// ErrTruncated is returned when a header ends early.
	ErrTruncated = errors.New("truncated submission header")
	// ErrEmpty is returned when the producer closed without sending anything.
	ErrEmpty = errors.New("empty submission")
)

// Kind is the payload shape of a submission.
type Kind int

const (
	// Legacy is a header-less dense counter array.
	Legacy Kind = iota
	// Static is a slot-addressed counter list for a known template.
	Static
	// Dynamic is a structured coverage tree merged by identity.
	Dynamic
)

func (k Kind) String() string {
	switch k {
	case Legacy:
		return "legacy"
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// SlotValue is one (index, value) pair of a static submission.
type SlotValue struct {
	Slot  int
	Value int64
}

// Header is everything before the payload.
type Header struct {
	Kind    Kind
	Version byte
	Tester  string
	Test    string
	Product string
}

// Submission is one decoded payload from one producer.
type Submission struct {
	Header

	// Fingerprint and SlotCount describe the template a static submission
	// was produced against.
	Fingerprint int32
	SlotCount   int
	Values      []SlotValue

	// Counters holds a legacy dense array, index = slot.
	Counters []int64

	// Tree holds a dynamic submission.
	Tree *model.Root

	// Partial is set when a static payload ended before SlotCount pairs.
	Partial bool
}

// Flat reports whether the submission is slot-addressed.
func (s *Submission) Flat() bool {
	return s.Kind == Legacy || s.Kind == Static
}

// Each calls fn for every slot-addressed counter.
func (s *Submission) Each(fn func(slot int, value int64)) {
	for i, v := range s.Counters {
		fn(i, v)
	}
	for _, sv := range s.Values {
		fn(sv.Slot, sv.Value)
	}
}

// Decoder reads one submission in two steps so the caller can observe the
// header before the body is consumed.
type Decoder struct {
	r      *bufio.Reader
	logger *slog.Logger
	magic  []byte
}

// NewDecoder wraps r. A nil logger discards.
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), logger: logger}
}

// Header reads the magic and, if present, the versioned header. A stream
// without the magic yields a Legacy header; its first four bytes are kept
// and become part of the counter array.
func (d *Decoder) Header() (Header, error) {
	buf := make([]byte, len(Magic))
	n, err := io.ReadFull(d.r, buf)
	if err != nil {
		if n == 0 {
			return Header{}, ErrEmpty
		}
		d.magic = buf[:n]
		return Header{Kind: Legacy}, nil
	}
	if string(buf) != Magic {
		d.magic = buf
		return Header{Kind: Legacy}, nil
	}

	var h Header
	if h.Version, err = d.r.ReadByte(); err != nil {
		return h, errors.Wrap(ErrTruncated, "version")
	}
	if h.Tester, err = readString(d.r); err != nil {
		return h, errors.Wrap(err, "tester name")
	}
	if h.Test, err = readString(d.r); err != nil {
		return h, errors.Wrap(err, "test name")
	}
	if h.Product, err = readString(d.r); err != nil {
		return h, errors.Wrap(err, "product name")
	}
	dyn, err := d.r.ReadByte()
	if err != nil {
		return h, errors.Wrap(ErrTruncated, "mode flag")
	}
	h.Kind = Static
	if dyn != 0 {
		h.Kind = Dynamic
	}
	return h, nil
}

// Body reads the payload announced by h.
func (d *Decoder) Body(h Header) (*Submission, error) {
	sub := &Submission{Header: h}
	switch h.Kind {
	case Legacy:
		return sub, d.legacy(sub)
	case Static:
		return sub, d.static(sub)
	default:
		tree, err := codec.Decode(d.r)
		if err != nil {
			return nil, errors.Wrap(err, "dynamic payload")
		}
		sub.Tree = tree
		return sub, nil
	}
}

// Decode reads a complete submission from r.
func Decode(r io.Reader, logger *slog.Logger) (*Submission, error) {
	d := NewDecoder(r, logger)
	h, err := d.Header()
	if err != nil {
		return nil, err
	}
	return d.Body(h)
}

func (d *Decoder) legacy(sub *Submission) error {
	limit := int64(MaxLegacyLongs*8 - len(d.magic) + 1)
	rest, err := io.ReadAll(io.LimitReader(d.r, limit))
	if err != nil {
		return errors.Wrap(err, "legacy payload")
	}
	data := append(d.magic, rest...)
	if len(data) == 0 || len(data)%8 != 0 || len(data) > MaxLegacyLongs*8 {
		return errors.Wrapf(ErrIncorrectLongs, "%d bytes", len(data))
	}
	sub.Counters = make([]int64, len(data)/8)
	for i := range sub.Counters {
		sub.Counters[i] = int64(binary.BigEndian.Uint64(data[i*8:]))
	}
	return nil
}

func (d *Decoder) static(sub *Submission) error {
	var hdr [8]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return errors.Wrap(ErrTruncated, "template fingerprint and slot count")
	}
	sub.Fingerprint = int32(binary.BigEndian.Uint32(hdr[0:4]))
	sub.SlotCount = int(int32(binary.BigEndian.Uint32(hdr[4:8])))
	if sub.SlotCount < 0 {
		return errors.Newf("negative slot count %d", sub.SlotCount)
	}

	var pair [12]byte
	for len(sub.Values) < sub.SlotCount {
		if _, err := io.ReadFull(d.r, pair[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				sub.Partial = true
				d.logger.Warn("static submission ended early",
					"tester", sub.Tester, "test", sub.Test,
					"read", len(sub.Values), "announced", sub.SlotCount)
				return nil
			}
			return errors.Wrap(err, "static payload")
		}
		sub.Values = append(sub.Values, SlotValue{
			Slot:  int(int32(binary.BigEndian.Uint32(pair[0:4]))),
			Value: int64(binary.BigEndian.Uint64(pair[4:12])),
		})
	}
	return nil
}

func readString(r *bufio.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(l[:]))
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrTruncated
	}
	return string(b), nil
}
