// Package bus carries orchestration requests between processes.
//
// # Implementations
//
//   - NATSBus: NATS core messaging, for running pollers and workers apart
//   - MemoryBus: in-process, for tests and single-binary deployments
//
// # Patterns
//
// Queue groups spread task runs across workers; each message goes to one
// member of the group:
//
//	sub, _ := b.QueueSubscribe("tasks.run", "orchestrators")
//	for msg := range sub.Messages() {
//	    // run the task
//	}
//
// Request/reply lets the admin API wait for a run to finish:
//
//	reply, err := b.Request(ctx, &bus.Message{Subject: "tasks.run", Data: data})
//
// Headers carry trace context across the hop; see telemetry.InjectContext.
package bus
