package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyCorrelationId = ContextKey("CorrelationId")
	ContextKeySyncRunId     = ContextKey("SyncRunId")
	ContextKeyEntityType    = ContextKey("EntityType")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetUint(ctx context.Context, key ContextKey) (uint, bool) {
	v, ok := ctx.Value(key).(uint)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
