// Command shuttle is the CLI and daemon entry point for the shuttle work
// coordinator.
package main
