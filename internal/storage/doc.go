// Package storage persists the post ledger, the candidate backlog, the
// settings document and the operator audit log.
//
// Every write is all-or-nothing from a reader's point of view: the file
// driver replaces whole documents via temp file + rename, the sqlite driver
// commits one transaction.
package storage
