// Package database manages the SQLite truth store for FleetLab Core.
//
// Device, group, user and audit records live in a single SQLite file opened
// with WAL mode and a busy timeout. The connection pool is capped at one
// open connection: the device registry is the single writer of truth, so a
// larger pool would only add lock contention.
//
// Schema migrations are embedded .sql files (see the migrations package)
// applied in version order, each in its own transaction.
package database
