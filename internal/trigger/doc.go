// Package trigger submits jobs on a schedule (cron, interval or HH:MM).
//
// It is trigger-only: each firing calls Submitter.Submit and execution happens
// in the job manager. Schedules carry a dedup key (schedule:<name> by default),
// so a firing while the previous run is still queued or running is absorbed.
package trigger
