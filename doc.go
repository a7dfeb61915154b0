// Package couchfeed consumes a CouchDB-style _changes feed and delivers it as
// a stream of events. A Reader runs one of three loops: a continuous
// long-poll (Start), a long-poll that ends once the feed is drained (Get),
// or a single streaming replay up to the current end of the feed (Spool).
// Each run publishes change, batch, seq, error and end events on a Bus, in
// feed order, and optionally waits for the consumer to acknowledge each
// batch before reading further.
package couchfeed
