package httpapi

import "context"

// serverBaseCtx is cancelled on shutdown so in-flight generations stop.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level context joined into every request.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context cancelled when either a or b is done. It
// carries a's values. The returned cancel must be called.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
