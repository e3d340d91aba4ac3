// Package conversation owns conversation membership and authorization.
//
// # Registry
//
// The Registry answers two questions for the rest of the server: may this
// user act in this conversation (Authorize), and who should hear about it
// (ResolveParticipants). Both are served from an LRU index of participant
// sets loaded from the store.
//
// Every membership change writes to the store first and then drops the
// index entry. Entries also expire after IndexTTL so changes made by other
// nodes are picked up.
//
// # Lifecycle
//
//   - GetOrCreateDirect returns the one DIRECT conversation for an unordered
//     pair of users, creating it on first use. Concurrent creators converge
//     on the same conversation.
//   - CreateGroup creates a GROUP with the creator as OWNER.
//   - AddMember and RemoveMember change GROUP membership; DIRECT membership
//     is immutable.
//
// A conversation that does not exist is reported as ErrNotParticipant so
// callers cannot probe for conversation IDs.
package conversation
