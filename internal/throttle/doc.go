// Package throttle limits how often a keyed event may pass within a time
// window. The realtime engine uses it to rate-limit typing indicators per
// conversation and user.
package throttle
