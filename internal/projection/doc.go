// Package projection derives read models from the global event order.
//
// A Projection consumes events in position order and mutates state it owns.
// The Runner applies each event and advances the projection checkpoint in
// one transaction, so a crash between the two is impossible: after restart
// the runner resumes at the checkpoint and no event is applied twice.
//
// # Processing rules
//
//   - Events whose type the projection does not handle are skipped, and the
//     checkpoint still advances past them.
//   - A handler error rolls the event back, records a processing failure
//     and stops the projection at the event before it. Later events wait
//     until the failure is retried successfully or resolved by an operator.
//   - An operator-resolved failure makes the runner skip the event without
//     calling the handler.
//
// # Single writer
//
// Each projection has a lease row in the store. Runner and Rebuilder both
// acquire it before touching the checkpoint, and every checkpoint write is
// fenced by the lease owner. A worker whose lease expired cannot overwrite
// progress made by its successor.
//
// # Rebuild
//
// Rebuilder resets a projection and replays the log from a chosen position
// up to the head observed when the rebuild started. A rebuild that fails or
// is cancelled leaves the projection failed and flagged as needing a
// rebuild; runners refuse it until a later rebuild succeeds.
package projection
