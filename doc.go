// Package driftsync is an offline-tolerant state synchronization core for
// clients that cache a user profile document locally and connect
// intermittently.
//
// Mutations are staged through an Engine: each stage call updates a durable
// local buffer and an in-memory mirror of the profile synchronously, so the
// caller never waits on network I/O. A background flush drains the buffer
// into one atomic batched write against the authoritative remote store,
// using server-side increments for accumulated numeric deltas. Whenever the
// remote pushes a fresh snapshot, the engine overlays any still-unflushed
// buffer entries onto it before the result is published, so local progress
// never visibly regresses.
//
// Quota-style fields (weekly allowances, spendable balances) are handled by
// the Ledger, which bypasses the buffer entirely and spends inside a
// serializable remote transaction, so concurrent callers can never overspend
// a balance.
package driftsync
