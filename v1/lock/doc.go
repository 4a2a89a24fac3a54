// Package lock implements a Redlock style distributed lock on top of N
// independent key-value nodes. A lock is considered held only while a strict
// majority of the registered nodes store its key. Locks carry a type, and a
// Registry decides which types may share a resource, so the same Manager can
// hand out shared read locks and exclusive write locks.
//
// Acquisition writes the lock key to every node in parallel, judges the
// outcome through Quorum and retries with a jittered delay and a validity
// time that shrinks by the elapsed round time plus a clock drift allowance.
// Lock and unlock events can be announced on a syncbus.Bus so waiters in
// other processes wake up early.
package lock
