// Package sync contains the client for the test instance synchronisation
// service.
//
// This client allows instances belonging to a test run to coordinate with
// one another over a single multiplexed connection, by:
//
//  (1) communicating dynamically computed values needed for the test
//      scenario, e.g. addresses or CIDs of random files generated in the
//      test, via typed topics (Publish/Subscribe),
//  (2) signalling state, e.g. "I've reached state A; await until N other
//      instances have too" (SignalEntry/Barrier/SignalAndWait),
//  (3) claiming unique, dense sequence numbers, e.g. instance ranks
//      (ClaimSequence),
//  (4) emitting run events for the scheduler to consume (SignalEvent).
//
// All coordination is layered over a per-topic ordered stream of
// (seq, payload) items; sequence numbers start at 1 and every subscriber
// observes the same stream in the same order.
package sync
