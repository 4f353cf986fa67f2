// Package msgkit holds platform message helpers: size-limit chunking,
// Telegram HTML escaping, rune-safe truncation, and the inline keyboards
// used by the announcement confirm flow.
package msgkit
