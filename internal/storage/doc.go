// Package storage persists scheduled announcements and the operator audit
// log behind a small Store interface. Two drivers exist: sqlite (default,
// durable) and memory (tests, throwaway trials).
package storage
