// Package store provides SQLite-backed durable storage for the covenant ledger.
//
// The store holds one document table per entity:
//   - Messages: every ingested post with its parse state
//   - Agreements: keyed by their root message id
//   - Contracts: keyed by their originating message id
//   - Accounts: keyed by platform user id
//
// plus three bookkeeping tables:
//   - Transfers: append-only journal of balance movements, unique per idempotency key
//   - Redemptions: one row per contract execution, unique per (contract, target, action)
//   - Counters and cursors: aggregate counts and the ingestion cursor
//
// # Patterns
//
// Idempotent inserts
//   - Every insert uses ON CONFLICT DO NOTHING and reports whether a row was added
//   - Counters change in the same transaction as the insert that moves them
//
// Typed read-modify-write
//   - UpdateMessage, UpdateAgreement and UpdateContract take a mutator
//     func(T) (T, error) and apply it inside one transaction
//
// Deterministic reads
//   - All list queries carry an explicit ORDER BY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
