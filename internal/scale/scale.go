// Package scale implements the per-test coverage matrix: one bit row per
// coverage slot, one column per retained test.
package scale

import (
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

const wordBits = 64

// Bits is a single matrix row. Bit i is set when test column i hit the item.
type Bits []uint64

// Has reports whether column col is set.
func (b Bits) Has(col int) bool {
	w := col / wordBits
	if col < 0 || w >= len(b) {
		return false
	}
	return b[w]&(1<<(uint(col)%wordBits)) != 0
}

// Set returns b with column col set, growing the row when needed.
func (b Bits) Set(col int) Bits {
	w := col / wordBits
	for len(b) <= w {
		b = append(b, 0)
	}
	b[w] |= 1 << (uint(col) % wordBits)
	return b
}

// Count returns the number of set columns.
func (b Bits) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Clone returns an independent copy of b.
func (b Bits) Clone() Bits {
	if b == nil {
		return nil
	}
	return append(Bits(nil), b...)
}

// remove deletes column col, shifting every higher column down by one.
func (b Bits) remove(col int) Bits {
	w := col / wordBits
	if w >= len(b) {
		return b
	}
	k := uint(col) % wordBits
	low := uint64(1)<<k - 1
	b[w] = (b[w] & low) | ((b[w] >> 1) &^ low)
	for i := w + 1; i < len(b); i++ {
		b[i-1] |= (b[i] & 1) << (wordBits - 1)
		b[i] >>= 1
	}
	return b
}

// Format renders the first cols columns as hex, four columns per digit,
// lowest column first.
func (b Bits) Format(cols int) string {
	var sb strings.Builder
	for c := 0; c < cols; c += 4 {
		var d byte
		for i := 0; i < 4 && c+i < cols; i++ {
			if b.Has(c + i) {
				d |= 1 << uint(i)
			}
		}
		sb.WriteByte("0123456789abcdef"[d])
	}
	return sb.String()
}

// ParseBits is the inverse of Format.
func ParseBits(s string) (Bits, error) {
	var b Bits
	for i := 0; i < len(s); i++ {
		var d byte
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return nil, errors.Newf("scale: invalid digit %q at %d", c, i)
		}
		for k := 0; k < 4; k++ {
			if d&(1<<uint(k)) != 0 {
				b = b.Set(i*4 + k)
			}
		}
	}
	return b, nil
}

// Pair asks IlluminateDuplicates to fold column Drop into column Keep.
type Pair struct {
	Keep int
	Drop int
}

// Matrix is a growing bit matrix indexed by coverage slot (row) and test
// column. It is not safe for concurrent use; callers serialize access.
type Matrix struct {
	rows []Bits
	cols int
}

// New returns an empty matrix.
func New() *Matrix {
	return &Matrix{}
}

// Columns returns the number of test columns.
func (m *Matrix) Columns() int {
	return m.cols
}

// AddColumn appends a zero column and returns its index.
func (m *Matrix) AddColumn() int {
	m.cols++
	return m.cols - 1
}

// AddColumns appends n zero columns and returns the index of the first one.
func (m *Matrix) AddColumns(n int) int {
	first := m.cols
	m.cols += n
	return first
}

// Mark records that column col hit the item in row.
func (m *Matrix) Mark(row, col int) {
	if row < 0 || col < 0 || col >= m.cols {
		return
	}
	m.grow(row)
	m.rows[row] = m.rows[row].Set(col)
}

// Hit reports whether column col hit row.
func (m *Matrix) Hit(row, col int) bool {
	if row < 0 || row >= len(m.rows) {
		return false
	}
	return m.rows[row].Has(col)
}

// Row returns a copy of a row.
func (m *Matrix) Row(row int) Bits {
	if row < 0 || row >= len(m.rows) {
		return nil
	}
	return m.rows[row].Clone()
}

// SetRow replaces a row. Bits beyond Columns are dropped.
func (m *Matrix) SetRow(row int, b Bits) {
	if row < 0 {
		return
	}
	m.grow(row)
	var clean Bits
	for c := 0; c < m.cols; c++ {
		if b.Has(c) {
			clean = clean.Set(c)
		}
	}
	m.rows[row] = clean
}

// MergeRow ORs src into row, shifting src columns right by offset. It is
// how a foreign matrix's columns are appended after AddColumns.
func (m *Matrix) MergeRow(row int, src Bits, offset int) {
	if row < 0 {
		return
	}
	for w, word := range src {
		for word != 0 {
			k := bits.TrailingZeros64(word)
			word &^= 1 << uint(k)
			m.Mark(row, offset+w*wordBits+k)
		}
	}
}

// IlluminateDuplicates folds each Drop column into its Keep column and then
// removes the dropped columns. Column indexes above a removed column shift
// down; callers must translate any indexes they hold.
func (m *Matrix) IlluminateDuplicates(pairs []Pair) error {
	drops := make([]int, 0, len(pairs))
	for _, p := range pairs {
		if p.Keep < 0 || p.Keep >= m.cols || p.Drop < 0 || p.Drop >= m.cols {
			return errors.Newf("scale: pair %d<-%d out of range (%d columns)", p.Keep, p.Drop, m.cols)
		}
		if p.Keep == p.Drop {
			return errors.Newf("scale: pair folds column %d into itself", p.Keep)
		}
		drops = append(drops, p.Drop)
	}
	for r, row := range m.rows {
		for _, p := range pairs {
			if row.Has(p.Drop) {
				row = row.Set(p.Keep)
			}
		}
		m.rows[r] = row
	}
	slices.Sort(drops)
	drops = slices.Compact(drops)
	for i := len(drops) - 1; i >= 0; i-- {
		m.RemoveColumn(drops[i])
	}
	return nil
}

// RemoveColumn deletes column col from every row.
func (m *Matrix) RemoveColumn(col int) {
	if col < 0 || col >= m.cols {
		return
	}
	for r := range m.rows {
		m.rows[r] = m.rows[r].remove(col)
	}
	m.cols--
}

// Clear drops every column and row.
func (m *Matrix) Clear() {
	m.rows = nil
	m.cols = 0
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := &Matrix{cols: m.cols, rows: make([]Bits, len(m.rows))}
	for i, r := range m.rows {
		out.rows[i] = r.Clone()
	}
	return out
}

func (m *Matrix) grow(row int) {
	if row < len(m.rows) {
		return
	}
	m.rows = append(m.rows, make([]Bits, row+1-len(m.rows))...)
}
