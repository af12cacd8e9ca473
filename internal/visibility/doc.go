// Package visibility tracks per-group delivery state: which records are
// done, which are leased to a consumer under a visibility timeout, and
// which wait out a requeue delay. Every transition commits in one storage
// batch, so a crash never loses an ack or double-counts an attempt.
package visibility
