/*
Package events is an in-memory pub/sub broker that notifies in-process
subscribers of task, allocation, session, lock, workflow, and schedule
state transitions.

It is deliberately not a durable event log: subscribers that fall
behind have events dropped rather than the broker blocking. Durable
history belongs to the Task History Store (pkg/history), not here.
*/
package events
