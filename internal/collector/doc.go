// Package collector implements the coverage collector: a TCP server that
// receives submissions from instrumented producers and folds them into one
// aggregate coverage tree, spilling to disk when memory runs short.
//
// # Overview
//
// Producers connect to the data port, send exactly one submission in the
// wire format and close. The collector decodes it, merges it into the
// aggregate and keeps the result in memory until a save is requested over
// the control channel, the connection cap is reached or the process shuts
// down.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│             COLLECTOR               │
//	├─────────────────────────────────────┤
//	│                                     │
//	│  ┌──────────────────────────────┐   │
//	│  │   Accept loop                │   │
//	│  │   - one goroutine            │   │
//	│  │   - connection cap           │   │
//	│  └──────────────────────────────┘   │
//	│                 │                   │
//	│  ┌──────────────────────────────┐   │
//	│  │   Worker pool (semaphore)    │   │
//	│  │   - decode one submission    │   │
//	│  │   - Aggregate.Apply          │   │
//	│  └──────────────────────────────┘   │
//	│                 │                   │
//	│  ┌──────────────────────────────┐   │
//	│  │   Aggregate                  │   │
//	│  │   - tree, tests, scale       │   │
//	│  │   - dump gate + merge lock   │   │
//	│  └──────────────────────────────┘   │
//	│                 │                   │
//	│  ┌──────────────────────────────┐   │
//	│  │   Memory monitor             │   │
//	│  │   - tiered threshold         │   │
//	│  │   - async dump to SpillLog   │   │
//	│  └──────────────────────────────┘   │
//	│                                     │
//	└─────────────────────────────────────┘
//
// # Connection Lifecycle
//
// Every connection moves through
//
//	CONNECTED → READING_HEADER → READING_BODY → MERGED | REJECTED → CLOSED
//
// A submission is rejected when it is slot-addressed and there is no
// template, when it is structured and fails the compatibility check, or
// when it cannot be decoded. Rejection is logged and never affects the
// aggregate or the server. Structured submissions that fail the check are
// written to the bad-data directory when one is configured.
//
// # Memory Pressure
//
// At startup the ratio of template size to the memory limit picks a tier:
//
//	ratio > 0.10  very-low  dump at 25% of the limit
//	ratio > 0.05  low       dump at 35%
//	otherwise     normal    dump at 45%
//
// The monitor polls heap usage; crossing the threshold starts one
// asynchronous dump. The dump takes the gate exclusively, so it waits for
// merges in flight and new merges wait for it, writes the tree to the next
// spill and zeroes every counter. A failed dump is logged and the
// aggregate is left untouched.
//
// # Saving
//
// Without spills a save writes the in-memory tree. With spills the save
// runs the merge engine over every spill plus the in-memory state, seeded
// with the template. If that merge fails the spills are kept and the error
// names the spill directory so the files can be merged by hand.
//
// # Shutdown
//
// A graceful kill stops accepting, waits up to the shutdown timeout for
// connections in flight and saves. A forced kill closes everything and
// saves nothing.
package collector
