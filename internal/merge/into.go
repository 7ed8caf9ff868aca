package merge

import (
	"github.com/dreamware/covgrid/internal/model"
)

// IntoOptions configures Into.
type IntoOptions struct {
	// Anchored restricts the merge to items dst already has. It is set when
	// dst was seeded from a template.
	Anchored bool
}

// Into adds src's counters to dst, matching by structural identity. Test
// columns of src are appended after dst's. Items missing from dst are
// created unless the merge is anchored. Callers run Check first; Into never
// fails.
func Into(dst, src *model.Root, opts IntoOptions) {
	offset := len(dst.Tests)
	dst.Tests = append(dst.Tests, src.Tests...)
	if dst.Scale != nil {
		for dst.Scale.Columns() < len(dst.Tests) {
			dst.Scale.AddColumn()
		}
	}

	mergeItem := func(d, s *model.Item) {
		d.Count += s.Count
		if dst.Scale != nil && src.Scale != nil {
			dst.Scale.MergeRow(d.Slot, src.Scale.Row(s.Slot), offset)
		}
	}

	for _, ref := range src.Classes() {
		dc := classIn(dst, ref)
		if dc == nil {
			if opts.Anchored {
				continue
			}
			c := ref.Class
			dc = dst.AddClass(ref.Package, &model.Class{
				Name:      c.Name,
				Source:    c.Source,
				Access:    c.Access,
				Checksum:  c.Checksum,
				Timestamp: c.Timestamp,
				Fields:    append([]string(nil), c.Fields...),
			})
		}
		for _, sm := range ref.Class.Methods {
			dm := dc.Method(sm.Key())
			if dm == nil {
				if opts.Anchored {
					continue
				}
				dm = dst.AddMethod(dc, &model.Method{
					Name:      sm.Name,
					Signature: sm.Signature,
					Access:    sm.Access,
					Checksum:  sm.Checksum,
					Entry:     &model.Item{Kind: model.KindMethod, Slot: -1},
				})
			}
			if sm.Entry != nil && dm.Entry != nil {
				mergeItem(dm.Entry, sm.Entry)
			}
			for _, si := range sm.Items {
				di := dm.Item(si.Key())
				if di == nil {
					if opts.Anchored {
						continue
					}
					di = dst.AddItem(dm, &model.Item{Kind: si.Kind, Slot: -1, Start: si.Start, End: si.End})
				}
				mergeItem(di, si)
			}
		}
	}
}

func classIn(root *model.Root, ref model.ClassRef) *model.Class {
	p := root.Package(ref.Package)
	if p == nil {
		return nil
	}
	return p.Class(ref.Class.Name)
}
