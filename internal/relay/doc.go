// Package relay is the event-coalescing delivery pipeline.
//
// A Registry owns one Source per upstream room. Each Source starts its
// upstream connection at most once, normalizes incoming events into display
// lines and fans every line out to its subscribers in registration order.
//
// A Batcher owns one destination chat. Lines handed to Send are buffered and
// delivered as a single newline-joined message once the destination's
// cooldown has passed; lines that arrive while a flush is in flight are
// drained with a short inter-flush delay. Delivery retries transient sink
// failures a bounded number of times and then drops the batch.
//
// Exactly one goroutine (Batcher.Run) consumes a Batcher's buffer, so flushes
// for one destination never overlap and fragments keep their Send order.
package relay
