// Package queue implements the durable work queue as a state machine over
// four directories (queue, running, done, failed). Items are files that move
// between directories by atomic rename; the directory an item sits in is its
// lifecycle state, which makes the queue fully inspectable with ls. At most
// one item occupies running at any instant.
package queue
