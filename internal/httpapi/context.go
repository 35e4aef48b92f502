package httpapi

import "context"

// serverBaseCtx is canceled on process shutdown. Long-running handlers
// (pulls, generation) stop when it ends.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// withBase derives a context from the request that is also canceled when
// base ends. Request-scoped values (request id) stay reachable.
func withBase(req, base context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(req)
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
