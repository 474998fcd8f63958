package server

import (
	"context"

	"github.com/google/uuid"
)

type requestContextKey string

const (
	requestKeyRequestID requestContextKey = "request_id"
	requestKeyRemoteIP  requestContextKey = "client_remote_addr"
)

func withRequestID(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestKeyRequestID, uuid.NewString())
}

func withRemoteIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, requestKeyRemoteIP, ip)
}

// RequestID returns the request ID stashed in ctx by the handler-wrapping
// middleware, or "" if none is present (e.g. in a unit test calling a
// handler directly).
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestKeyRequestID).(string)
	return v
}

// RemoteIP returns the caller's IP as resolved by the middleware, or "".
func RemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(requestKeyRemoteIP).(string)
	return v
}
