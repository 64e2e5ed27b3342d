// Package heartbeat broadcasts worker liveness and load.
//
// Each worker pool publishes a Heartbeat on dispatch.worker.<id> at a fixed
// interval. A Monitor subscribes to every worker subject, keeps the latest
// heartbeat per worker, and reports workers that fall silent. Leases, not
// heartbeats, decide task ownership: a dead worker's tasks become
// claimable when its leases expire, whatever the monitor believes.
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      bus,
//	    WorkerID: "worker-1",
//	    Interval: 5 * time.Second,
//	})
//	sender.Start(ctx)
//	sender.SetActive([]string{"agent-task-1"}, 4)
//
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{Bus: bus})
//	monitor.OnDead(func(workerID string) { ... })
//	monitor.Start()
package heartbeat
