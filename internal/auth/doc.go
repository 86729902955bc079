// Package auth provides FleetLab's identity layer: user accounts keyed
// by email, long-lived API access tokens, and short-lived JWT session
// tokens.
//
// Two credential forms are accepted at the API edge. Session tokens are
// HS256 JWTs validated by signature alone, so the hot path never touches
// the database. Access tokens are random 256-bit values handed out once;
// only their SHA-256 hash is stored, and presentation looks the hash up
// and resolves the owning user.
//
// The email is the user's identity everywhere downstream — group
// ownership, audit records, event payloads — which is why accounts are
// deactivated rather than deleted.
package auth
