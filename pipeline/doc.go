// Package pipeline implements the four stages a task goes through:
// fetch the source post, check the author's rate limit, generate a reply
// and publish it.
//
// Stages are plain methods on Pipeline. They know nothing about task
// status, retries or timeouts; the orchestrator owns those and calls each
// stage under its own policy. Collaborators are interfaces so tests can
// substitute fakes for the social API, the generative provider and
// object storage.
package pipeline
