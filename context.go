package praxis

import "context"

// RequestInfo identifies the caller of one run. It travels on the context
// so middlewares and tools can read it without threading extra parameters.
type RequestInfo struct {
	SessionID string
	UserID    string
	Role      string
}

type requestInfoKey struct{}

// WithRequestInfo returns a context carrying info.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom extracts the caller info, if set.
func RequestInfoFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}
