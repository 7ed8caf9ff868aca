package model

// Builder assembles trees in tests and in producers that construct a
// template programmatically. Slots are handed out in call order.
type Builder struct {
	root  *Root
	class *Class
	meth  *Method
}

// NewBuilder starts an empty tree.
func NewBuilder(scales bool) *Builder {
	return &Builder{root: New(scales)}
}

// Class starts a class in package pkg. Subsequent Method calls attach to it.
func (b *Builder) Class(pkg, name string, checksum, timestamp int64) *Builder {
	b.class = b.root.AddClass(pkg, &Class{Name: name, Checksum: checksum, Timestamp: timestamp, Access: 1})
	b.meth = nil
	return b
}

// Fields sets the current class's fields.
func (b *Builder) Fields(names ...string) *Builder {
	b.class.Fields = append(b.class.Fields, names...)
	return b
}

// Access sets the current class's access flags.
func (b *Builder) Access(flags int) *Builder {
	b.class.Access = flags
	return b
}

// Method adds a method with an entry item to the current class.
func (b *Builder) Method(name, sig string) *Builder {
	b.meth = b.root.AddMethod(b.class, &Method{
		Name:      name,
		Signature: sig,
		Access:    1,
		Entry:     &Item{Kind: KindMethod, Slot: -1},
	})
	return b
}

// Block adds a block item covering [start,end] to the current method.
func (b *Builder) Block(start, end int) *Builder {
	b.root.AddItem(b.meth, &Item{Kind: KindBlock, Slot: -1, Start: start, End: end})
	return b
}

// Branch adds a branch item to the current method.
func (b *Builder) Branch(start, end int) *Builder {
	b.root.AddItem(b.meth, &Item{Kind: KindBranch, Slot: -1, Start: start, End: end})
	return b
}

// Root returns the assembled tree.
func (b *Builder) Root() *Root {
	return b.root
}
