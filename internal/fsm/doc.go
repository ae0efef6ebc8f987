// Package fsm provides the two primitives every state machine in this module
// is built from: an unbounded event mailbox that never blocks the poster, and
// a state stream that broadcasts each distinct state to its subscribers.
package fsm
