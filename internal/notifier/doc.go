// Package notifier tells the originating session how a delegated task ended.
//
// Every task that reaches completed or failed yields exactly one injected
// message in its parent session. Delivery is asynchronous: Notify enqueues,
// a small worker pool sends through the session collaborator under a shared
// rate limit, and a bounded retry runs before the failure is logged and
// dropped. The task's terminal status is never touched by delivery.
//
// # Dedup
//
// Injection is keyed by (task, status). A repeated Notify for the same key
// inside the dedup window is suppressed, optionally across restarts via the
// storage dedup table.
package notifier
