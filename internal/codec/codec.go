// Package codec reads and writes persisted coverage results and templates.
//
// A result is an XML document; a template is a result whose counters are all
// zero. Documents may be stored plain, gzip-compressed or zstd-compressed:
// readers detect the compression from the leading magic bytes, writers pick
// it from the file extension (".gz", ".zst").
package codec

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/dreamware/covgrid/internal/model"
	"github.com/dreamware/covgrid/internal/scale"
)

// FormatVersion is written to every document.
const FormatVersion = 1

// Compression selects the on-disk encoding of a document.
type Compression int

const (
	// None writes plain XML.
	None Compression = iota
	// Gzip writes gzip-compressed XML.
	Gzip
	// Zstd writes zstd-compressed XML.
	Zstd
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// CompressionFor picks the compression implied by a path's extension.
func CompressionFor(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return Gzip
	case ".zst", ".zstd":
		return Zstd
	default:
		return None
	}
}

type xmlCoverage struct {
	XMLName     xml.Name     `xml:"coverage"`
	Version     int          `xml:"version,attr"`
	Fingerprint int32        `xml:"fingerprint,attr,omitempty"`
	Scales      bool         `xml:"scales,attr,omitempty"`
	Tests       []xmlTest    `xml:"tests>test"`
	Packages    []xmlPackage `xml:"package"`
}

type xmlTest struct {
	Name string `xml:"name,attr"`
}

type xmlPackage struct {
	Name    string     `xml:"name,attr"`
	Classes []xmlClass `xml:"class"`
}

type xmlClass struct {
	Name      string      `xml:"name,attr"`
	Source    string      `xml:"source,attr,omitempty"`
	Access    int         `xml:"access,attr"`
	Checksum  int64       `xml:"checksum,attr,omitempty"`
	Timestamp int64       `xml:"timestamp,attr,omitempty"`
	Fields    []xmlField  `xml:"field"`
	Methods   []xmlMethod `xml:"meth"`
}

type xmlField struct {
	Name string `xml:"name,attr"`
}

type xmlMethod struct {
	Name      string    `xml:"name,attr"`
	Signature string    `xml:"vmsig,attr"`
	Access    int       `xml:"access,attr"`
	Checksum  int64     `xml:"checksum,attr,omitempty"`
	Slot      int       `xml:"id,attr"`
	Count     int64     `xml:"count,attr"`
	Scale     string    `xml:"scale,attr,omitempty"`
	Items     []xmlItem `xml:"item"`
}

type xmlItem struct {
	Kind  string `xml:"kind,attr"`
	Slot  int    `xml:"id,attr"`
	Start int    `xml:"start,attr"`
	End   int    `xml:"end,attr"`
	Count int64  `xml:"count,attr"`
	Scale string `xml:"scale,attr,omitempty"`
}

// Encode writes root as an XML document.
func Encode(w io.Writer, root *model.Root) error {
	doc := xmlCoverage{Version: FormatVersion, Scales: root.Scale != nil}
	for _, t := range root.Tests {
		doc.Tests = append(doc.Tests, xmlTest{Name: t})
	}
	cols := len(root.Tests)
	rowOf := func(slot int) string {
		if root.Scale == nil {
			return ""
		}
		row := root.Scale.Row(slot)
		if row.Count() == 0 {
			return ""
		}
		return row.Format(cols)
	}
	for _, p := range root.Packages {
		xp := xmlPackage{Name: p.Name}
		for _, c := range p.Classes {
			xc := xmlClass{
				Name:      c.Name,
				Source:    c.Source,
				Access:    c.Access,
				Checksum:  c.Checksum,
				Timestamp: c.Timestamp,
			}
			for _, f := range c.Fields {
				xc.Fields = append(xc.Fields, xmlField{Name: f})
			}
			for _, m := range c.Methods {
				xm := xmlMethod{
					Name:      m.Name,
					Signature: m.Signature,
					Access:    m.Access,
					Checksum:  m.Checksum,
					Slot:      -1,
				}
				if m.Entry != nil {
					xm.Slot = m.Entry.Slot
					xm.Count = m.Entry.Count
					xm.Scale = rowOf(m.Entry.Slot)
				}
				for _, it := range m.Items {
					xm.Items = append(xm.Items, xmlItem{
						Kind:  string(it.Kind),
						Slot:  it.Slot,
						Start: it.Start,
						End:   it.End,
						Count: it.Count,
						Scale: rowOf(it.Slot),
					})
				}
				xc.Methods = append(xc.Methods, xm)
			}
			xp.Classes = append(xp.Classes, xc)
		}
		doc.Packages = append(doc.Packages, xp)
	}

	bw := bufio.NewWriter(w)
	if _, err := io.WriteString(bw, xml.Header); err != nil {
		return errors.Wrap(err, "codec: write header")
	}
	enc := xml.NewEncoder(bw)
	enc.Indent("", " ")
	if err := enc.Encode(doc); err != nil {
		return errors.Wrap(err, "codec: encode")
	}
	if _, err := io.WriteString(bw, "\n"); err != nil {
		return errors.Wrap(err, "codec: write trailer")
	}
	return bw.Flush()
}

// Decode reads an XML document, detecting gzip and zstd compression.
func Decode(r io.Reader) (*model.Root, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))
	var src io.Reader = br
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "codec: open gzip stream")
		}
		defer gz.Close()
		src = gz
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "codec: open zstd stream")
		}
		defer zr.Close()
		src = zr
	}

	var doc xmlCoverage
	if err := xml.NewDecoder(src).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "codec: decode")
	}
	return fromXML(&doc)
}

func fromXML(doc *xmlCoverage) (*model.Root, error) {
	hasScale := doc.Scales
	root := model.New(hasScale)
	for _, t := range doc.Tests {
		root.AddTest(t.Name, false)
	}
	setRow := func(slot int, s string) error {
		if s == "" || root.Scale == nil {
			return nil
		}
		b, err := scale.ParseBits(s)
		if err != nil {
			return errors.Wrapf(err, "codec: slot %d", slot)
		}
		root.Scale.SetRow(slot, b)
		return nil
	}
	for _, xp := range doc.Packages {
		root.AddPackage(xp.Name)
		for _, xc := range xp.Classes {
			c := root.AddClass(xp.Name, &model.Class{
				Name:      xc.Name,
				Source:    xc.Source,
				Access:    xc.Access,
				Checksum:  xc.Checksum,
				Timestamp: xc.Timestamp,
			})
			for _, f := range xc.Fields {
				c.Fields = append(c.Fields, f.Name)
			}
			for _, xm := range xc.Methods {
				m := &model.Method{
					Name:      xm.Name,
					Signature: xm.Signature,
					Access:    xm.Access,
					Checksum:  xm.Checksum,
					Entry:     &model.Item{Kind: model.KindMethod, Slot: xm.Slot, Count: xm.Count},
				}
				for _, xi := range xm.Items {
					m.Items = append(m.Items, &model.Item{
						Kind:  model.ItemKind(xi.Kind),
						Slot:  xi.Slot,
						Start: xi.Start,
						End:   xi.End,
						Count: xi.Count,
					})
				}
				m = root.AddMethod(c, m)
				if err := setRow(m.Entry.Slot, xm.Scale); err != nil {
					return nil, err
				}
				for i, xi := range xm.Items {
					if i < len(m.Items) {
						if err := setRow(m.Items[i].Slot, xi.Scale); err != nil {
							return nil, err
						}
					}
				}
			}
		}
	}
	return root, nil
}

// Marshal encodes root with the given compression.
func Marshal(root *model.Root, c Compression) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCompressed(&buf, root, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a document produced by Marshal or WriteFile.
func Unmarshal(data []byte) (*model.Root, error) {
	return Decode(bytes.NewReader(data))
}

func encodeCompressed(w io.Writer, root *model.Root, c Compression) error {
	switch c {
	case Gzip:
		gz := gzip.NewWriter(w)
		if err := Encode(gz, root); err != nil {
			gz.Close()
			return err
		}
		return errors.Wrap(gz.Close(), "codec: close gzip stream")
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return errors.Wrap(err, "codec: open zstd stream")
		}
		if err := Encode(zw, root); err != nil {
			zw.Close()
			return err
		}
		return errors.Wrap(zw.Close(), "codec: close zstd stream")
	default:
		return Encode(w, root)
	}
}

// ReadFile loads a result or template from disk.
func ReadFile(path string) (*model.Root, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: open %s", path)
	}
	defer f.Close()
	root, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "codec: read %s", path)
	}
	return root, nil
}

// WriteFile stores root at path. The document is written to a temporary
// file in the same directory and renamed into place, so readers never see a
// partial result.
func WriteFile(path string, root *model.Root) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "codec: create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "codec: create temp for %s", path)
	}
	defer os.Remove(tmp.Name())

	if err := encodeCompressed(tmp, root, CompressionFor(path)); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "codec: write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "codec: close %s", tmp.Name())
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "codec: rename into %s", path)
}
