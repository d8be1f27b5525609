// ABOUTME: Package documentation for the store package
// ABOUTME: Explains the shared-database coordination model between processes

// Package store provides persistence for the meshboard hub: messages, the
// outbound relay queue, sessions, votes, and the relay heartbeat.
//
// The SQLite database file is the only coordination channel between the web
// ingress process and the radio egress relay. Neither process holds state the
// other needs in memory; either can crash and restart without the other
// noticing anything beyond a stale heartbeat. WAL mode allows the two
// processes to interleave reads and writes, and every multi-step mutation
// (admission, vote recount, sent transition) is a single transaction so that
// a crash leaves the database consistent.
package store
