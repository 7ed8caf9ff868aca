// Package storage persists the partial results a collector spills under
// memory pressure.
//
// # Overview
//
// A long-running collector accumulates counters in one in-memory tree. When
// memory runs short the tree is written out and reset; the written copies
// are spills. On the final save every spill is merged back with whatever is
// still in memory. This package owns the spill side of that cycle.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        Collector dump cycle         │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│             SpillLog                │
//	│   (numbering, zstd XML encoding)    │
//	└─────────────────────────────────────┘
//	                 │
//	        ┌────────┴────────┐
//	        ▼                 ▼
//	┌──────────────┐  ┌──────────────┐
//	│  FileStore   │  │ MemoryStore  │
//	│ (spill dir)  │  │   (tests)    │
//	└──────────────┘  └──────────────┘
//
// # Core Interfaces
//
// Store: key-value storage of encoded documents
//   - Get(key) - Retrieve a value by key
//   - Put(key, value) - Store or replace a value
//   - Delete(key) - Remove a value
//   - List() - Keys in ascending order
//   - Stats() - Key count and total bytes
//
// SpillLog: append-only sequence of spills on top of a Store
//   - Append(root) - Encode and store under spill-NNNN.xml.zst
//   - Keys() - Spills in write order
//   - Load(key) - Decode one spill
//
// # Durability
//
// FileStore writes every value to a hidden temporary file, syncs it and
// renames it into place. List skips hidden files, so a spill interrupted by
// a crash is invisible rather than corrupt. Spills are never deleted by the
// collector: if the final merge fails they are the operator's only copy.
//
// # Concurrency and Thread Safety
//
// Both stores are safe for concurrent use. MemoryStore guards its map with a
// sync.RWMutex and copies values on the way in and out. FileStore serialises
// writers; readers go straight to the file system.
package storage
