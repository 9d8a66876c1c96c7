// Package session owns serial link session helpers.
//
// Ownership boundary:
// - link timing and reconnect backoff configuration
// - bounded pending-update queue used while the link is down
package session
