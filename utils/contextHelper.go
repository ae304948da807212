package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/recon_backend/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeySyncRunId     = appctx.ContextKeySyncRunId
	ContextKeyEntityType    = appctx.ContextKeyEntityType
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetSyncRunIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeySyncRunId)
}

func GetEntityTypeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEntityType)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSyncRunIdInContext(ctx context.Context, runId uint) context.Context {
	return appctx.Set(ctx, ContextKeySyncRunId, runId)
}

func SetEntityTypeInContext(ctx context.Context, entityType string) context.Context {
	return appctx.Set(ctx, ContextKeyEntityType, entityType)
}
