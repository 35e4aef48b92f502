// Package worker supervises the Python inference worker: one subprocess
// speaking JSON-RPC over stdin/stdout, loaded with exactly one model.
//
// Lifecycle: stopped -> starting -> ready -> stopped. Start races a health
// call against HealthTimeout; Stop sends a best-effort shutdown notification
// and kills the process if it outlives StopGrace. An exit the manager did not
// ask for while ready is reported on Crashes.
//
// Token lines carry no request id, so generations are admitted one at a time.
package worker
