// Package schedule provides recurring job submission on cron expressions.
//
// An [Entry] pairs a cron expression with a [job.Definition] template.
// The [Scheduler] evaluates due entries on every tick, submits the
// template through the engine, and records LastRunAt, NextRunAt, and
// the resulting job ID. The target selector is re-resolved against the
// connected fleet on each firing, so an entry keeps working as agents
// come and go.
//
// Expressions use standard 5-field cron syntax plus descriptors like
// "@every 30s" and "@hourly".
package schedule
