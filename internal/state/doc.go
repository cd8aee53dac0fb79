// Package state persists task status documents atomically. Every mutation is
// a read-modify-write cycle serialized through the keymutex manager and
// committed with a write-temp-then-rename, so readers never observe a partial
// document. Checkpoint history and recovery locks ride in the same document.
package state
