package sync

import (
	"context"

	"github.com/testground/sync-client/runtime"
)

type contextKey string

const runParamsCtxKey = contextKey("runparams")

// WithRunParams returns a context that carries the supplied RunParams.
// Generic clients extract the run scope from the context of each operation.
func WithRunParams(ctx context.Context, rp *runtime.RunParams) context.Context {
	return context.WithValue(ctx, runParamsCtxKey, rp)
}

// GetRunParams extracts the RunParams from a context, returning nil if none
// are bound.
func GetRunParams(ctx context.Context) *runtime.RunParams {
	v := ctx.Value(runParamsCtxKey)
	if v == nil {
		return nil
	}
	return v.(*runtime.RunParams)
}
