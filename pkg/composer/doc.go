// Package composer runs the generation loop of a user turn and merges what
// it produces into a single ordered event stream.
//
// A turn is a bounded sequence of model steps. During a step, text deltas,
// tool calls and sources are forwarded as they arrive. Calls to tools that
// run automatically start immediately on the [executor.Batch] and are joined
// at the end of the step; calls to gated tools are settled by a [Decider]
// with the decisions of the turn or left pending. The loop continues while
// the model keeps calling tools and every call is settled. It halts with
// [AwaitingConfirmation] when a call waits for a human, ends [Done] when the
// model answers without calls or the step budget is spent, and ends [Failed]
// when the model errors.
//
// Every stream starts with a start event and ends with exactly one finish
// or error event. Message annotations (sources, usage and safety) follow all
// content events of the message.
package composer
