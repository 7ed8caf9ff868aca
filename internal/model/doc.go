// Package model holds the in-memory coverage tree every other package
// operates on.
//
// # Structure
//
// A Root owns packages, packages own classes, classes own methods and
// methods own items:
//
//	Root
//	 ├── Tests  []string        test list, one entry per scale column
//	 ├── Scale  *scale.Matrix   optional per-test bits, row = slot
//	 └── Package "com.acme"
//	      └── Class "Widget"   access, checksum, timestamp, fields
//	           └── Method "run()V"
//	                ├── Entry  method item (slot 0)
//	                └── Items  blocks, branches, lines (slots 1..n)
//
// Every item carries a slot that is unique within its Root. For trees read
// from a template the slots come from the template; trees built from dynamic
// submissions get slots in creation order. Flat submissions address items by
// slot, structured ones by structural identity (package, class, method key,
// item key).
//
// # Identity
//
// Method.Key is name+signature. Item.Key is kind plus source range. Two
// trees agree on an item when the class full name, method key and item key
// are equal; slot numbers never take part in cross-tree matching.
//
// # Concurrency
//
// Nothing in this package locks. The collector guards its aggregate Root
// with its own mutex and the merge engine works on trees it owns.
package model
