package identity

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxAgentID ctxKey = iota
	ctxTenantID
	ctxRole
)

func WithIdentity(ctx context.Context, agentID, tenantID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxAgentID, agentID)
	ctx = context.WithValue(ctx, ctxTenantID, tenantID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func AgentID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxAgentID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("agent_id not in context")
}

func TenantID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxTenantID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("tenant_id not in context")
}

func Role(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxRole).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
