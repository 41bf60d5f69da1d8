// Package sync is the job orchestration engine: the controller that turns
// sync requests into queued jobs, the workers that execute them against the
// fetch client, the background sweep that schedules retries and reclaims
// stalled jobs, and the cron scheduler that triggers recurring syncs.
//
// The engine's central invariant is at-most-one-active-job per tenant and
// entity type. It is enforced by the log store's conditional insert, not by
// locks: every attempt starts by creating an IN_PROGRESS sync log, and a
// second concurrent attempt for the same (tenant, entity type) fails that
// insert with a conflict before any job is enqueued.
package sync
