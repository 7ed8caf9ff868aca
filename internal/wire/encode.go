package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/dreamware/covgrid/internal/codec"
)

// Encode writes s in the versioned format. Legacy submissions are written
// as a bare counter array.
func Encode(w io.Writer, s *Submission) error {
	if s.Kind == Legacy {
		return EncodeLegacy(w, s.Counters)
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(Magic)
	version := s.Version
	if version == 0 {
		version = Version
	}
	bw.WriteByte(version)
	for _, str := range []string{s.Tester, s.Test, s.Product} {
		if err := writeString(bw, str); err != nil {
			return err
		}
	}
	if s.Kind == Dynamic {
		bw.WriteByte(1)
		if s.Tree == nil {
			return errors.New("wire: dynamic submission without a tree")
		}
		if err := codec.Encode(bw, s.Tree); err != nil {
			return err
		}
		return bw.Flush()
	}
	bw.WriteByte(0)

	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(s.Fingerprint))
	count := s.SlotCount
	if count == 0 {
		count = len(s.Values)
	}
	binary.BigEndian.PutUint32(buf[4:8], uint32(int32(count)))
	bw.Write(buf[:8])
	for _, v := range s.Values {
		binary.BigEndian.PutUint32(buf[0:4], uint32(int32(v.Slot)))
		binary.BigEndian.PutUint64(buf[4:12], uint64(v.Value))
		bw.Write(buf[:12])
	}
	return errors.Wrap(bw.Flush(), "wire: flush")
}

// EncodeLegacy writes counters as a header-less big-endian long array.
func EncodeLegacy(w io.Writer, counters []int64) error {
	if len(counters) > MaxLegacyLongs {
		return errors.Wrapf(ErrIncorrectLongs, "%d counters", len(counters))
	}
	bw := bufio.NewWriter(w)
	var buf [8]byte
	for _, c := range counters {
		binary.BigEndian.PutUint64(buf[:], uint64(c))
		bw.Write(buf[:])
	}
	return errors.Wrap(bw.Flush(), "wire: flush")
}

func writeString(w *bufio.Writer, s string) error {
	if len(s) > maxString {
		return errors.Newf("wire: string of %d bytes exceeds %d", len(s), maxString)
	}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	w.Write(l[:])
	w.WriteString(s)
	return nil
}
