// Package scheduler drives the periodic ticks of a fleetd instance (batch
// evaluation, fixed-process reconciliation, liveness watchdog).
//
// Ticks are robfig/cron interval entries. A tick that is still running when
// its next slot arrives is skipped, and a panicking tick is recovered and
// logged.
package scheduler
