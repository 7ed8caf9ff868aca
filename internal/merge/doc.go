// Package merge combines coverage trees.
//
// Two levels are exposed. Check and Into operate on a pair of trees: Check
// reports structural mismatches between classes present in both, graded by a
// Looseness level, and Into adds one tree's counters and test columns to the
// other. Engine.Run drives a whole batch of files through both, applying a
// BreakOnError policy whenever a file's check is critical:
//
//	none   continue, fail the batch at the end
//	error  stop at the first error
//	file   finish checking the file, then stop
//	skip   leave the file out and record it in Result.Skipped
//	test   check every file, never produce a result
//
// A batch needs at least two merged files, a template counting as one. When
// a template is given only its items survive in the result.
//
// Test columns are appended file by file. With DedupeByName, columns sharing
// a name are folded into the first after every file, so merging the same
// named test twice leaves a single column whose hits are the union.
package merge
