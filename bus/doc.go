// Package bus carries task notifications between clients and workers.
//
// # Overview
//
// The MessageBus interface provides pub/sub and queue groups over NATS or
// in-process channels. The bus is a wake-up channel only: the task store is
// the source of truth, so a lost message delays a reader but never loses
// state.
//
// # Available Implementations
//
//   - NATSBus: NATS core subjects, for workers in separate processes
//   - MemoryBus: in-memory, for tests and single-process deployments
//
// # Subjects
//
//	dispatch.submitted       new task stored (queue group "workers")
//	dispatch.done.<task-id>  task reached completed or failed
//	dispatch.worker.<id>     worker heartbeat
//
// Both implementations accept NATS wildcards when subscribing: "*" matches
// one token and a trailing ">" matches the rest.
//
//	sub, _ := bus.Subscribe("dispatch.done.>")
//	for msg := range sub.Messages() {
//	    // Handle completion
//	}
//
// # Queue Groups
//
// Queue subscriptions deliver each message to one member, so one idle
// worker wakes per submission:
//
//	sub, _ := bus.QueueSubscribe("dispatch.submitted", "workers")
package bus
