package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, errors.New("auth: no principal in context")
	}
	return p, nil
}

// GetUserID is a helper to get the acting user id from the context's Principal.
func GetUserID(ctx context.Context) (string, error) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", err
	}
	return p.GetUserID(), nil
}

// MustGetUserID panics if no principal is in context (use only where
// middleware guarantees one is present).
func MustGetUserID(ctx context.Context) string {
	uid, err := GetUserID(ctx)
	if err != nil {
		panic(err)
	}
	return uid
}
