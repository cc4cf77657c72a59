/*
Package scheduler fires task templates on a recurring or one-shot
schedule, submitting them into the Task Manager as they come due.

Five schedule variants are supported: interval, daily, weekly, monthly
and once. Each ScheduledEntry tracks its own next_run, recomputed
after every firing; a once-entry disables itself once fired (or at
creation time, if its instant has already passed).

The dispatch loop is a single goroutine on a fixed tick, scanning for
due entries and submitting them — the same ticker-loop shape as
warren's reconciler, generalized from "reconcile cluster state" to
"fire what's due".
*/
package scheduler
