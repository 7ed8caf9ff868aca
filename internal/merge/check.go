package merge

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/covgrid/internal/model"
)

// Mismatch names the structural property two classes disagree on.
type Mismatch string

const (
	MismatchAccess     Mismatch = "access"     // Class access flags differ
	MismatchFields     Mismatch = "fields"     // Field count differs
	MismatchMethods    Mismatch = "methods"    // Method signature sets differ
	MismatchChecksum   Mismatch = "checksum"   // Both checksums set and unequal
	MismatchUnreadable Mismatch = "unreadable" // The input could not be read at all
	MismatchTestList   Mismatch = "testlist"   // Attached test list does not fit the file
)

// Severity of an issue. The looseness level decides it per Mismatch.
type Severity int

const (
	// SeverityWarning is reported but only blocks a file when warnings are
	// critical.
	SeverityWarning Severity = iota
	// SeverityError always hands the file to the BreakOnError policy.
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Issue is one finding of a compatibility check.
type Issue struct {
	Class    string
	Kind     Mismatch
	Severity Severity
	Detail   string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s %s mismatch: %s", i.Severity, i.Class, i.Kind, i.Detail)
}

// Report sums a check. Errors and Warnings count classes, not findings: a
// class with several mismatches contributes once, at its worst severity.
type Report struct {
	Errors   int
	Warnings int
	Issues   []Issue
}

// Critical reports whether the report must be handled by the error policy.
func (r Report) Critical(warningsCritical bool) bool {
	return r.Errors > 0 || (warningsCritical && r.Warnings > 0)
}

// CheckOptions configures Check.
type CheckOptions struct {
	Looseness        Looseness
	StopAtFirstError bool
}

// Check compares every class of src that also exists in dst.
// Classes present on one side only are never a mismatch. Each class yields
// at most one issue per Mismatch kind, at the worst severity the looseness
// level assigns it.
//
// Parameters:
//   - dst: The merged-so-far tree
//   - src: The candidate file
//   - opts: Looseness level; StopAtFirstError ends the walk at the first error
//
// Returns:
//   - Report: Issues plus error and warning counts; LooseBlocks always
//     returns an empty report
//
// Example:
//
//	rep := merge.Check(acc, next, merge.CheckOptions{Looseness: merge.LooseSameTimestamp})
//	if rep.Critical(warningsCritical) {
//	    // hand the file to the BreakOnError policy
//	}
func Check(dst, src *model.Root, opts CheckOptions) Report {
	var rep Report
	if opts.Looseness == LooseBlocks {
		return rep
	}
	for _, ref := range src.Classes() {
		pkg := dst.Package(ref.Package)
		if pkg == nil {
			continue
		}
		dc := pkg.Class(ref.Class.Name)
		if dc == nil {
			continue
		}
		issues := compareClass(ref.FullName(), dc, ref.Class, opts.Looseness)
		if len(issues) == 0 {
			continue
		}
		worst := SeverityWarning
		for _, is := range issues {
			if is.Severity == SeverityError {
				worst = SeverityError
			}
		}
		rep.Issues = append(rep.Issues, issues...)
		if worst == SeverityError {
			rep.Errors++
			if opts.StopAtFirstError {
				return rep
			}
		} else {
			rep.Warnings++
		}
	}
	return rep
}

func compareClass(name string, a, b *model.Class, l Looseness) []Issue {
	sameTS := a.Timestamp == b.Timestamp
	var out []Issue
	add := func(kind Mismatch, detail string) {
		out = append(out, Issue{Class: name, Kind: kind, Severity: classify(kind, sameTS, l), Detail: detail})
	}

	if a.Access != b.Access {
		add(MismatchAccess, fmt.Sprintf("%#x vs %#x", a.Access, b.Access))
	}
	if len(a.Fields) != len(b.Fields) {
		add(MismatchFields, fmt.Sprintf("%d vs %d fields", len(a.Fields), len(b.Fields)))
	}

	ak, bk := methodKeys(a), methodKeys(b)
	if !slices.Equal(ak, bk) {
		add(MismatchMethods, fmt.Sprintf("%d vs %d methods, differing: %v", len(ak), len(bk), symmetricDiff(ak, bk)))
	}

	if a.Checksum != 0 && b.Checksum != 0 && a.Checksum != b.Checksum {
		add(MismatchChecksum, fmt.Sprintf("class %d vs %d", a.Checksum, b.Checksum))
	} else {
		for _, m := range b.Methods {
			am := a.Method(m.Key())
			if am != nil && am.Checksum != 0 && m.Checksum != 0 && am.Checksum != m.Checksum {
				add(MismatchChecksum, "method "+m.Key())
				break
			}
		}
	}
	return out
}

// classify applies the looseness table:
//
//	level  access/fields             methods/checksum
//	0      error                     error
//	1      warning if same timestamp error
//	2      warning if same timestamp warning
//	3      warning                   warning
func classify(kind Mismatch, sameTimestamp bool, l Looseness) Severity {
	switch l {
	case LooseStrict:
		return SeverityError
	case LooseSameTimestamp, LooseSignatures:
		switch kind {
		case MismatchAccess, MismatchFields:
			if sameTimestamp {
				return SeverityWarning
			}
			return SeverityError
		default:
			if l == LooseSignatures {
				return SeverityWarning
			}
			return SeverityError
		}
	default:
		return SeverityWarning
	}
}

func methodKeys(c *model.Class) []string {
	keys := make(map[string]struct{}, len(c.Methods))
	for _, m := range c.Methods {
		keys[m.Key()] = struct{}{}
	}
	out := maps.Keys(keys)
	slices.Sort(out)
	return out
}

func symmetricDiff(a, b []string) []string {
	var out []string
	for _, k := range a {
		if _, found := slices.BinarySearch(b, k); !found {
			out = append(out, "-"+k)
		}
	}
	for _, k := range b {
		if _, found := slices.BinarySearch(a, k); !found {
			out = append(out, "+"+k)
		}
	}
	return out
}
