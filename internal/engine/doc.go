// Package engine runs submitted scripts through the broker and records each
// run's lifecycle, stage transitions and output in the store, publishing
// them to live subscribers as they happen.
package engine
