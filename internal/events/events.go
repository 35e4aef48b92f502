// Package events carries lifecycle notifications from the process managers
// and the inference service to whoever is listening (CLI, HTTP API, tests).
package events

// Event represents a lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name    string
	ModelID string
	Fields  map[string]any
}

// Publisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Func adapts a plain function to a Publisher.
type Func func(Event)

func (f Func) Publish(e Event) { f(e) }

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Event names.
const (
	WorkerStart  = "worker_start"
	WorkerReady  = "worker_ready"
	WorkerCrash  = "worker_crash"
	WorkerStop   = "worker_stop"
	ServerSpawn  = "server_spawn"
	ServerReady  = "server_ready"
	ServerExit   = "server_exit"
	ServerCrash  = "server_crash"
	ServerStop   = "server_stop"
	PullProgress = "pull_progress"
	PullDone     = "pull_done"
	ModelLoaded  = "model_loaded"
	ModelUnload  = "model_unloaded"
	ModelCrashed = "model_crashed"
)
