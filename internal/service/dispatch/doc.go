// Package dispatch implements the alert dispatch pipeline: fan-out of a
// normalized event over matching triggers, dedup admission, template
// rendering, quota gating, hand-off to the per-channel queues, and the
// delivery state machine including receipt application.
//
// The only strongly consistent serialization point in the pipeline is the
// dedup guard's insert-or-fail on (event_id, trigger_id); everything else
// operates on independent attempt rows via compare-and-swap transitions.
package dispatch
