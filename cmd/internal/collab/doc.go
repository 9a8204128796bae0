// Package collab coordinates one user's collaboration session: which room is open,
// which document is bound to the editors, who else is present, and the credential the
// connection authenticates with.
//
// Every component here is confined to a single event Loop. Public Coordinator methods
// hop onto the loop with Loop.Do; transport I/O and the credential timer deliver their
// callbacks with Loop.Post. Nothing below the Coordinator locks the replica.
package collab
