package core

import "context"

// RequestInfo identifies the inbound call an operation runs on behalf of.
type RequestInfo struct {
	ID         string
	ClientAddr string
}

type requestKey struct{}

// WithRequest attaches info to ctx.
func WithRequest(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestKey{}, info)
}

// RequestFrom returns the RequestInfo on ctx, or the zero value.
func RequestFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestKey{}).(RequestInfo)
	return info
}
