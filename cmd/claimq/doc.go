// Command claimq runs the claimq message queue service.
//
// claimq stores JSON messages in named queues and hands them out to workers
// through time-limited claims. Queues live in SQLite, PostgreSQL, MongoDB
// or process memory, optionally spread over several weighted pools.
//
// Install:
//
//	go install github.com/nuetzliches/claimq/cmd/claimq@latest
//
// Usage:
//
//	CLAIMQ_STORAGE_URI=sqlite:///var/lib/claimq/claimq.db claimq run
package main
