// Package jobs is the in-process job scheduler.
//
// Work enters through Manager.Submit into the interactive or background queue.
// Worker loops (one per budget slot) sample queued jobs, ask an oracle.Oracle
// which to run next, and execute the chosen body synchronously. Finished jobs
// land in a bounded completion buffer that callers poll or drain into a
// MemorySink.
//
// HasUrgent, WaitForUrgentClear and IsUrgent let code outside the queues yield
// to urgent work; *Manager satisfies oracle.UrgencyGate.
package jobs
