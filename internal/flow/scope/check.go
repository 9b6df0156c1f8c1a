// Package scope enforces the engine-side scope check on child-job dispatch:
// component G of the spec. It sits in front of the job queue's push call so
// that a token with insufficient scopes never gets a row inserted.
package scope

import (
	"fmt"

	"github.com/flowforge/engine/internal/domain"
)

// DispatchRequest describes the child job a caller (an HTTP trigger, or the
// flow dispatcher acting on behalf of the flow owner's token) wants to
// enqueue.
type DispatchRequest struct {
	Kind     domain.JobKind
	Resource string // script path / flow path being invoked
}

// scopeKind maps a job kind to the scope "kind" segment used in grants like
// run:scripts:script:u/alice/*.
func scopeKind(k domain.JobKind) (scopeDomain, action, kind string) {
	switch k {
	case domain.JobKindFlow, domain.JobKindRawFlow:
		return "run", "flows", string(k)
	default:
		return "run", "scripts", string(k)
	}
}

// Check rejects a dispatch whose resource path is not covered by any scope
// in the caller's token. Returns a *domain.FlowError{Kind: ScopeDenied} on
// rejection so callers can surface it before any queue insert, per §7.
func Check(scopes domain.ScopeSet, req DispatchRequest) error {
	dom, action, kind := scopeKind(req.Kind)
	if scopes.AllowsAny(dom, action, kind, req.Resource) {
		return nil
	}
	return domain.NewFlowError(domain.ErrScopeDenied,
		fmt.Errorf("token scopes do not authorize %s:%s:%s:%s", dom, action, kind, req.Resource))
}
