// Package pipeline delivers webhook alerts: validate, publish, and on any
// publish failure append to the failure store for the retry loop.
//
// SubmitBatch validates the whole batch first so an invalid alert rejects the
// request before anything reaches the broker. Each batch is tagged with a
// UUID batch_id in the logs.
package pipeline
