// Package inferred supervises the inferred server binary and talks to its
// OpenAI-compatible HTTP API.
//
// The server listens on a loopback port picked at start. Start polls
// /healthz until it answers; Stop sends SIGTERM and kills after a grace
// period. Exits the manager did not initiate are reported on Crashes.
package inferred
