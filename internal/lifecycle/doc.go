// Package lifecycle drives session state from transport events.
//
// A Manager owns one dispatcher goroutine per transport handle, the
// per-session timer table, the bounded reconnection policy, the disconnect
// notification gate and the three periodic supervisors (health, pairing
// expiry, connecting timeout). All session mutations go through the
// session.Registry as single patches.
package lifecycle
