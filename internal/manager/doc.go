// Package manager is the inference service: it decides whether the local
// environment can serve models, pulls models into the registry, and keeps at
// most one model loaded on the configured backend.
//
// Files by concern:
//
//   - service.go: Service, Initialize, load/unload, GetLanguageModel, Status.
//   - backend.go: LocalInferenceBackend and its worker and server implementations.
//   - pull.go: de-duplicated pulls and progress fan-out.
//   - errors.go: typed errors with IsXxx helpers for the HTTP layer.
//   - wiring.go: building a Service from the application config.
package manager
