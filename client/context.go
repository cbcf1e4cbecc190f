package client

import (
	"context"
	"fmt"
)

type fleetKey struct{}

func AppendFleetToContext(ctx context.Context, f *Fleet) context.Context {
	return context.WithValue(ctx, fleetKey{}, f)
}

func FleetFromContext(ctx context.Context) (*Fleet, error) {
	if v := ctx.Value(fleetKey{}); v != nil {
		if f, ok := v.(*Fleet); ok {
			return f, nil
		} else {
			return nil, fmt.Errorf("invalid fleet client interface: t = %T", v)
		}
	}

	return nil, fmt.Errorf("fleet client not found in context")
}
