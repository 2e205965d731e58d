// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	operatorIDKey contextKey = "operator_id"
	companyIDKey  contextKey = "company_id"
)

// SetOperatorID sets the authenticated operator ID in the context
func SetOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDKey, operatorID)
}

// GetOperatorID retrieves the operator ID from the context
func GetOperatorID(ctx context.Context) (string, bool) {
	operatorID, ok := ctx.Value(operatorIDKey).(string)
	return operatorID, ok
}

// SetCompanyID sets the company scope in the context
func SetCompanyID(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, companyIDKey, companyID)
}

// GetCompanyID retrieves the company scope from the context
func GetCompanyID(ctx context.Context) (string, bool) {
	companyID, ok := ctx.Value(companyIDKey).(string)
	return companyID, ok
}

// SetAuthContext sets both operator and company scope in context
func SetAuthContext(ctx context.Context, operatorID, companyID string) context.Context {
	ctx = SetOperatorID(ctx, operatorID)
	ctx = SetCompanyID(ctx, companyID)
	return ctx
}
