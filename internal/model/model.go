package model

import (
	"fmt"
	"hash/fnv"

	"github.com/dreamware/covgrid/internal/scale"
)

// ItemKind classifies an instrumentable unit.
type ItemKind string

const (
	// KindMethod is the method-entry counter every method carries.
	KindMethod ItemKind = "method"
	// KindBlock is a basic block inside a method.
	KindBlock ItemKind = "block"
	// KindBranch is one target of a conditional branch.
	KindBranch ItemKind = "branch"
	// KindLine is a line marker.
	KindLine ItemKind = "line"
)

// Item is one instrumentable unit with a stable slot and a hit counter.
type Item struct {
	Kind  ItemKind
	Slot  int
	Start int
	End   int
	Count int64
}

// Key identifies an item inside its method independently of its slot.
func (it *Item) Key() string {
	return fmt.Sprintf("%s:%d-%d", it.Kind, it.Start, it.End)
}

// Method is a method with its entry item and nested blocks.
type Method struct {
	Name      string
	Signature string
	Access    int
	Checksum  int64
	Entry     *Item
	Items     []*Item
}

// Key is the method's structural identity inside its class.
func (m *Method) Key() string {
	return m.Name + m.Signature
}

// AllItems returns the entry item followed by the nested items.
func (m *Method) AllItems() []*Item {
	out := make([]*Item, 0, len(m.Items)+1)
	if m.Entry != nil {
		out = append(out, m.Entry)
	}
	return append(out, m.Items...)
}

// Item returns the nested item with the given key, or nil.
func (m *Method) Item(key string) *Item {
	for _, it := range m.Items {
		if it.Key() == key {
			return it
		}
	}
	return nil
}

// Class groups methods and carries the identity used by compatibility checks.
type Class struct {
	Name      string
	Source    string
	Access    int
	Checksum  int64
	Timestamp int64
	Fields    []string
	Methods   []*Method

	methods map[string]*Method
}

// Method returns the method with the given key, or nil.
func (c *Class) Method(key string) *Method {
	if c.methods == nil {
		c.reindex()
	}
	return c.methods[key]
}

func (c *Class) reindex() {
	c.methods = make(map[string]*Method, len(c.Methods))
	for _, m := range c.Methods {
		c.methods[m.Key()] = m
	}
}

// Package is a named group of classes.
type Package struct {
	Name    string
	Classes []*Class

	classes map[string]*Class
}

// Class returns the class with the given simple name, or nil.
func (p *Package) Class(name string) *Class {
	if p.classes == nil {
		p.classes = make(map[string]*Class, len(p.Classes))
		for _, c := range p.Classes {
			p.classes[c.Name] = c
		}
	}
	return p.classes[name]
}

// Root is the top of a coverage tree. It owns slot allocation, the test
// list and the optional scale matrix. A Root is not safe for concurrent use.
type Root struct {
	Packages []*Package
	Tests    []string
	Scale    *scale.Matrix

	packages map[string]*Package
	items    []*Item
}

// New returns an empty tree. When scales is true the tree tracks a per-test
// matrix.
func New(scales bool) *Root {
	r := &Root{packages: make(map[string]*Package)}
	if scales {
		r.Scale = scale.New()
	}
	return r
}

// Package returns the package with the given name, or nil.
func (r *Root) Package(name string) *Package {
	if r.packages == nil {
		r.packages = make(map[string]*Package, len(r.Packages))
		for _, p := range r.Packages {
			r.packages[p.Name] = p
		}
	}
	return r.packages[name]
}

// AddPackage returns the named package, creating it when absent.
func (r *Root) AddPackage(name string) *Package {
	if p := r.Package(name); p != nil {
		return p
	}
	p := &Package{Name: name}
	r.Packages = append(r.Packages, p)
	r.packages[name] = p
	return p
}

// AddClass attaches c to package pkg. An existing class of the same name is
// returned instead and c is discarded.
func (r *Root) AddClass(pkg string, c *Class) *Class {
	p := r.AddPackage(pkg)
	if existing := p.Class(c.Name); existing != nil {
		return existing
	}
	p.Classes = append(p.Classes, c)
	p.classes[c.Name] = c
	return c
}

// AddMethod attaches m to class c and registers its items. Items whose Slot
// is negative receive the next free slot.
func (r *Root) AddMethod(c *Class, m *Method) *Method {
	if existing := c.Method(m.Key()); existing != nil {
		return existing
	}
	for _, it := range m.AllItems() {
		r.register(it)
	}
	c.Methods = append(c.Methods, m)
	c.methods[m.Key()] = m
	return m
}

// AddItem attaches a nested item to method m and registers it.
func (r *Root) AddItem(m *Method, it *Item) *Item {
	r.register(it)
	m.Items = append(m.Items, it)
	return it
}

func (r *Root) register(it *Item) {
	if it.Slot < 0 {
		it.Slot = len(r.items)
	}
	for len(r.items) <= it.Slot {
		r.items = append(r.items, nil)
	}
	r.items[it.Slot] = it
}

// SlotCount is one past the highest registered slot.
func (r *Root) SlotCount() int {
	return len(r.items)
}

// Item returns the item registered at slot, or nil.
func (r *Root) Item(slot int) *Item {
	if slot < 0 || slot >= len(r.items) {
		return nil
	}
	return r.items[slot]
}

// AddCount adds delta to the counter at slot. It reports false when slot is
// outside the tree.
func (r *Root) AddCount(slot int, delta int64) bool {
	it := r.Item(slot)
	if it == nil {
		return false
	}
	it.Count += delta
	return true
}

// ClassRef is a class together with its package name.
type ClassRef struct {
	Package string
	Class   *Class
}

// FullName is the dotted class name.
func (c ClassRef) FullName() string {
	if c.Package == "" {
		return c.Class.Name
	}
	return c.Package + "." + c.Class.Name
}

// Classes returns every class in tree order.
func (r *Root) Classes() []ClassRef {
	var out []ClassRef
	for _, p := range r.Packages {
		for _, c := range p.Classes {
			out = append(out, ClassRef{Package: p.Name, Class: c})
		}
	}
	return out
}

// Walk calls fn for every item together with its owning method and class.
func (r *Root) Walk(fn func(c ClassRef, m *Method, it *Item)) {
	for _, ref := range r.Classes() {
		for _, m := range ref.Class.Methods {
			for _, it := range m.AllItems() {
				fn(ref, m, it)
			}
		}
	}
}

// Counters returns every counter keyed by structural identity. It is what
// tests compare when checking that two trees carry the same coverage.
func (r *Root) Counters() map[string]int64 {
	out := make(map[string]int64)
	r.Walk(func(c ClassRef, m *Method, it *Item) {
		out[c.FullName()+"#"+m.Key()+"/"+it.Key()] += it.Count
	})
	return out
}

// HasHits reports whether any counter is non-zero.
func (r *Root) HasHits() bool {
	for _, it := range r.items {
		if it != nil && it.Count != 0 {
			return true
		}
	}
	return false
}

// ResetCounters zeroes every counter and drops the test list and scale
// columns, leaving the structure intact.
func (r *Root) ResetCounters() {
	for _, it := range r.items {
		if it != nil {
			it.Count = 0
		}
	}
	r.Tests = nil
	if r.Scale != nil {
		r.Scale.Clear()
	}
}

// TruncateToMethods drops every nested item, leaving method entries only.
// Slots of the dropped items become empty.
func (r *Root) TruncateToMethods() {
	for _, ref := range r.Classes() {
		for _, m := range ref.Class.Methods {
			for _, it := range m.Items {
				if it.Slot < len(r.items) {
					r.items[it.Slot] = nil
				}
			}
			m.Items = nil
		}
	}
}

// Fingerprint hashes the structural identity of every slot in slot order.
// Producers send it with static submissions so the collector can tell which
// template their slot numbers refer to.
func (r *Root) Fingerprint() int32 {
	owner := make(map[int]string, len(r.items))
	r.Walk(func(c ClassRef, m *Method, it *Item) {
		owner[it.Slot] = c.FullName() + "#" + m.Key() + "/" + it.Key()
	})
	h := fnv.New32a()
	for slot := range r.items {
		fmt.Fprintf(h, "%d=%s;", slot, owner[slot])
	}
	return int32(h.Sum32())
}

// AddTest registers a test column and returns its index. With dedupe set an
// already known name returns the existing column instead of a new one.
func (r *Root) AddTest(name string, dedupe bool) int {
	if dedupe {
		for i, t := range r.Tests {
			if t == name {
				return i
			}
		}
	}
	r.Tests = append(r.Tests, name)
	if r.Scale != nil {
		for r.Scale.Columns() < len(r.Tests) {
			r.Scale.AddColumn()
		}
	}
	return len(r.Tests) - 1
}

// MarkHits sets column col for every item with a non-zero counter.
func (r *Root) MarkHits(col int) {
	if r.Scale == nil {
		return
	}
	for _, it := range r.items {
		if it != nil && it.Count != 0 {
			r.Scale.Mark(it.Slot, col)
		}
	}
}

// IlluminateDuplicates collapses test columns sharing a name into the first
// column with that name. It returns the pairs that were folded.
func (r *Root) IlluminateDuplicates() ([]scale.Pair, error) {
	first := make(map[string]int, len(r.Tests))
	var pairs []scale.Pair
	for i, t := range r.Tests {
		if keep, ok := first[t]; ok {
			pairs = append(pairs, scale.Pair{Keep: keep, Drop: i})
			continue
		}
		first[t] = i
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	if r.Scale != nil {
		if err := r.Scale.IlluminateDuplicates(pairs); err != nil {
			return nil, err
		}
	}
	kept := r.Tests[:0]
	dropped := make(map[int]bool, len(pairs))
	for _, p := range pairs {
		dropped[p.Drop] = true
	}
	for i, t := range r.Tests {
		if !dropped[i] {
			kept = append(kept, t)
		}
	}
	r.Tests = kept
	return pairs, nil
}

// Clone returns a deep copy of the tree, test list and scale.
func (r *Root) Clone() *Root {
	out := New(false)
	if r.Scale != nil {
		out.Scale = r.Scale.Clone()
	}
	out.Tests = append([]string(nil), r.Tests...)
	for _, p := range r.Packages {
		for _, c := range p.Classes {
			nc := &Class{
				Name:      c.Name,
				Source:    c.Source,
				Access:    c.Access,
				Checksum:  c.Checksum,
				Timestamp: c.Timestamp,
				Fields:    append([]string(nil), c.Fields...),
			}
			nc = out.AddClass(p.Name, nc)
			for _, m := range c.Methods {
				nm := &Method{
					Name:      m.Name,
					Signature: m.Signature,
					Access:    m.Access,
					Checksum:  m.Checksum,
				}
				if m.Entry != nil {
					e := *m.Entry
					nm.Entry = &e
				}
				for _, it := range m.Items {
					cp := *it
					nm.Items = append(nm.Items, &cp)
				}
				out.AddMethod(nc, nm)
			}
		}
		out.AddPackage(p.Name)
	}
	for len(out.items) < len(r.items) {
		out.items = append(out.items, nil)
	}
	return out
}
