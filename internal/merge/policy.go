package merge

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Looseness selects how strictly structural mismatches are judged.
type Looseness int

const (
	// LooseStrict treats every mismatch as an error.
	LooseStrict Looseness = 0
	// LooseSameTimestamp tolerates access and field-count mismatches for
	// classes sharing name and timestamp.
	LooseSameTimestamp Looseness = 1
	// LooseSignatures additionally tolerates method-set and checksum
	// mismatches whatever the timestamp.
	LooseSignatures Looseness = 2
	// LooseWarnOnly reports every mismatch as a warning.
	LooseWarnOnly Looseness = 3
	// LooseBlocks skips checking and merges at method granularity.
	LooseBlocks Looseness = 4
)

// ParseLooseness accepts "0".."3" or "blocks".
func ParseLooseness(s string) (Looseness, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "blocks" {
		return LooseBlocks, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 3 {
		return 0, errors.Newf("merge: invalid looseness %q (want 0-3 or blocks)", s)
	}
	return Looseness(n), nil
}

func (l Looseness) String() string {
	if l == LooseBlocks {
		return "blocks"
	}
	return strconv.Itoa(int(l))
}

// BreakOnError decides what a batch does with a file that has errors.
type BreakOnError int

const (
	// BreakNone keeps going; the batch fails if any file had errors.
	BreakNone BreakOnError = iota
	// BreakError stops at the first error found.
	BreakError
	// BreakFile finishes checking the failing file, then stops.
	BreakFile
	// BreakSkip drops the failing file and continues.
	BreakSkip
	// BreakTest checks everything and never produces a result.
	BreakTest
)

// ParseBreakOnError accepts none, error, file, skip and test.
func ParseBreakOnError(s string) (BreakOnError, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "none":
		return BreakNone, nil
	case "error":
		return BreakError, nil
	case "file":
		return BreakFile, nil
	case "skip":
		return BreakSkip, nil
	case "test":
		return BreakTest, nil
	default:
		return 0, errors.Newf("merge: invalid break-on-error mode %q", s)
	}
}

func (b BreakOnError) String() string {
	switch b {
	case BreakError:
		return "error"
	case BreakFile:
		return "file"
	case BreakSkip:
		return "skip"
	case BreakTest:
		return "test"
	default:
		return "none"
	}
}

// action is what the engine does with a file whose check was critical.
type action int

const (
	actFailAndContinue action = iota
	actFailAndStop
	actSkip
	actRecord
)

// onCritical maps each policy to its single decision.
func (b BreakOnError) onCritical() action {
	switch b {
	case BreakError, BreakFile:
		return actFailAndStop
	case BreakSkip:
		return actSkip
	case BreakTest:
		return actRecord
	default:
		return actFailAndContinue
	}
}

// stopAtFirst reports whether checks should end at the first error.
func (b BreakOnError) stopAtFirst() bool {
	return b == BreakError
}
