// Package shutdown stops a worker process in order.
//
// A Coordinator runs registered handlers phase by phase on SIGTERM, SIGINT
// or an explicit Shutdown. Handlers in one phase run concurrently; a phase
// starts only after the previous one has finished. The dispatcher uses:
//
//	PhaseIntake     10  stop subscriptions and the heartbeat monitor
//	PhaseWorkers    20  drain the worker pool, releasing unfinished leases
//	PhaseFlush      30  flush traces and the history index
//	PhaseStorage    40  close the task store
//	PhaseTransport  50  close the bus and the NATS connection
//
// Every handler receives the same deadline. A task interrupted by it is
// not lost: its lease is released and the next worker resumes it from the
// last checkpoint.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig(), logger)
//	coord.RegisterWithPhase("workers", pool, shutdown.PhaseWorkers)
//	coord.RegisterWithPhase("store", shutdown.CloserFunc(store.Close), shutdown.PhaseStorage)
//	coord.HandleSignals()
//	<-coord.Done()
package shutdown
