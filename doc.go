// Package sagaflow runs distributed sagas: multi-step operations where
// every step has a compensating action, so a failure part way through is
// unwound instead of leaving partial side effects behind.
//
// Sagas orchestrate the execution of a set of tasks that can fail. For more
// on distributed sagas, see this 2017 JOTB talk by Caitie McCaffrey:
// https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Describe a saga type:
//     - Write a forward ActionFunc and, where the step has side effects, a
//     CompensateFunc for each step.
//     - Assemble them with NewDefinition(...).Input(...).Step(...).Then(...).Build().
//     Steps depend on declared inputs or on earlier steps only, so the graph
//     is acyclic by construction.
//  2. Register the Definition in a Registry.
//  3. Run instances:
//     - An Engine runs one attempt: independent steps run concurrently, and
//     on failure the completed steps are compensated in reverse completion
//     order.
//     - A Worker owns the durable SagaInstance in a Store, pulls jobs from a
//     Queue, enforces the attempt deadline and retries with backoff.
//     - A Sweeper fails stale attempts and archives or deletes terminal
//     instances after their retention.
//
// The postgres, redisq and kafkapub packages provide production Store,
// Queue, Lease and EventPublisher implementations; the in-memory ones in
// this package suit tests and single-process use.
package sagaflow
