// Package storage persists the schedule ledger.
//
// The ledger is one ordered collection of schedules held in memory and
// rewritten wholesale on every mutation. Each driver swaps the persisted copy
// atomically (rename, transaction, single SET), so readers in this process and
// after a crash only ever see a complete snapshot.
package storage
