// Package server implements the QuickDrop wire protocol and handlers.
//
// It speaks a small subset of HTTP/1.1 directly over TCP: one request per
// connection, no keep-alive and no chunked bodies. A fixed pool of worker
// goroutines serves accepted connections. Files live behind the Store
// interface (a directory or a MinIO bucket) and short texts in an in-memory
// Mailbox. Transfers can optionally be audited to PostgreSQL.
package server
