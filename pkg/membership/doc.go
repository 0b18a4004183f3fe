// Package membership tracks which zephyrbus nodes are alive. Every
// announcement or segment from a node refreshes it; a node that stays
// silent for longer than the liveness timeout is reported lost and
// forgotten. A node seen again after that is a fresh discovery.
//
// A Directory belongs to a single goroutine and does no locking.
package membership
