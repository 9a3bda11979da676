// Package session owns the in-memory session model.
//
// Ownership boundary:
// - session id parsing into tenant group / local id
// - the Session record and its status vocabulary
// - the Registry, the single source of truth for "is this session connected"
// - per-session timer table used by lifecycle supervision
// - reliability defaults and reconnect delay computation
package session
