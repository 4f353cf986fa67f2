// Package announce implements scheduled announcements: creation gated by
// an interactive confirmation menu, pending listings, cancellation, raw
// source inspection, and append-only mention tagging. Delivery of due
// announcements is handled by the scheduler package.
package announce
