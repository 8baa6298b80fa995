package sqlite

import (
	"context"
	"time"

	"github.com/oml-collect/oml/pkg/log"
)

type ctxKey int

const beginKey ctxKey = 0

// queryHooks satisfies sqlhooks.Hooks, logging every statement the backend
// issues at debug level along with its elapsed time.
type queryHooks struct{}

func (queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("sqlite query %s %q", query, args)
	return context.WithValue(ctx, beginKey, time.Now()), nil
}

func (queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(beginKey).(time.Time); ok {
		log.Debugf("sqlite took: %s", time.Since(begin))
	}
	return ctx, nil
}
