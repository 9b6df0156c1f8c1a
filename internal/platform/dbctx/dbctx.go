package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request/job context with an optional GORM transaction.
// Every repo method and flow-engine mutation threads one of these through
// instead of a bare context.Context so that dispatcher/completion code can
// compose multiple repo calls inside one outer transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func New(ctx context.Context, tx *gorm.DB) Context {
	return Context{Ctx: ctx, Tx: tx}
}

// WithTx returns a copy of c bound to tx, for nesting calls inside a
// savepoint or a freshly opened transaction.
func (c Context) WithTx(tx *gorm.DB) Context {
	return Context{Ctx: c.Ctx, Tx: tx}
}
