// Package harness runs ledger scenarios end to end.
//
// A scenario feeds batches of platform messages through a fully wired
// service, one ingestion cycle per batch, then checks the resulting ledger
// state and the replies the bot posted.
//
// # Scenario Format
//
//	name: currency_broken
//	description: "Both principals rule broken; the member takes the escrow"
//	settings:
//	  starting_balance: 100
//	  tax_rate: 0.05
//	cycles:
//	  - messages:
//	      - { id: 10, author_id: 1, author: alice, text: "@bob +agr 40" }
//	      - { id: 11, author_id: 2, author: bob, text: "sign", parent: 10 }
//	  - performed:
//	      - { account_id: 3, action: like, message: 30 }
//	    messages:
//	      - { id: 12, author_id: 1, author: alice, text: "+broken", parent: 10 }
//	assertions:
//	  - type: account
//	    account: bob
//	    expect: { balance: 140 }
//	  - type: agreement
//	    id: 10
//	    expect: { state: settled }
//	  - type: reply
//	    parent: 10
//	    contains: "is open"
//
// # Assertion Types
//
//   - account: subset match against the account with the given handle
//   - agreement, contract, message: subset match against the row with the given id
//   - counters: subset match against the aggregate counters
//   - reply: a reply to parent exists, optionally containing text
//   - reply_count: exactly count replies were posted
//
// Every run also checks that the ledger sums to zero.
//
// # Deterministic Runs
//
// Scenarios run against a fresh database with a stepping clock and a fixed
// cycle id, so the snapshot compared by RunWithGolden is byte-identical
// across runs.
package harness
