// Package filelock implements cross-process read/write locks using sidecar
// lock files. The sidecar's exclusive creation is the acquisition primitive;
// its JSON content records the holder so other processes can detect staleness
// and share read locks safely.
package filelock
