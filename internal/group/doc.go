// Package group implements the device ownership state machine.
//
// Every device lives in exactly one group at all times. Its origin group
// exists from registration until the device is forgotten; a claim moves
// the device into a freshly created user group owned by one user, and a
// release moves it back and deletes the user group. There is no window
// where a device is in zero groups or two.
//
// Presence and ownership are deliberately independent. A claimed device
// going offline keeps its owner, because transient provider hiccups must
// not cost users their claim. Only the death of the serving provider
// transport revokes ownership, through ForcedRelease, since the owner's
// session cannot survive it.
//
// All transitions commit to the device registry before any event or
// provider command is emitted. Side effects are best-effort; consumers
// reconcile against the registry, which is the single durable truth.
package group
