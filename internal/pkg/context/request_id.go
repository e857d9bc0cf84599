package context

import "context"

type requestIDKey struct{}
type cycleIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}

// WithCycleID tags background flush/sweep work so its log lines can be correlated.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

func GetCycleID(ctx context.Context) string {
	if s, ok := ctx.Value(cycleIDKey{}).(string); ok {
		return s
	}
	return ""
}
