package domain

import "strings"

// Scope is a parsed authorization grant of the form
// domain:action[:kind][:resource_pattern], e.g. "run:scripts:script:u/alice/*".
// Tokens carry a set of these; the engine checks a candidate child dispatch
// against the invoking token's scopes before enqueueing it.
type Scope struct {
	Domain   string
	Action   string
	Kind     string // optional
	Resource string // optional; may end in "/*" for a prefix wildcard
}

// ParseScope parses a single colon-delimited scope string. An empty Kind or
// Resource means that segment was not present in the token.
func ParseScope(s string) (Scope, bool) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Scope{}, false
	}
	sc := Scope{Domain: parts[0], Action: parts[1]}
	if len(parts) > 2 {
		sc.Kind = parts[2]
	}
	if len(parts) > 3 {
		sc.Resource = parts[3]
	}
	return sc, true
}

// Allows reports whether sc authorizes a request for (domain, action, kind,
// resource). "write" implies "read" on the same domain/kind/resource; beyond
// that, actions must match exactly (run:scripts and run:flows are distinct).
func (sc Scope) Allows(domain, action, kind, resource string) bool {
	if sc.Domain != domain {
		return false
	}
	if !actionSatisfies(sc.Action, action) {
		return false
	}
	if sc.Kind != "" && sc.Kind != kind {
		return false
	}
	if sc.Resource == "" {
		return true
	}
	return resourceMatches(sc.Resource, resource)
}

func actionSatisfies(granted, requested string) bool {
	if granted == requested {
		return true
	}
	return granted == "write" && requested == "read"
}

func resourceMatches(pattern, resource string) bool {
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(resource, prefix)
	}
	return pattern == resource
}

// ScopeSet is the full set of scopes a token carries.
type ScopeSet []Scope

func ParseScopeSet(raw []string) ScopeSet {
	out := make(ScopeSet, 0, len(raw))
	for _, r := range raw {
		if sc, ok := ParseScope(r); ok {
			out = append(out, sc)
		}
	}
	return out
}

// AllowsAny reports whether any scope in the set authorizes the request.
func (ss ScopeSet) AllowsAny(domain, action, kind, resource string) bool {
	for _, sc := range ss {
		if sc.Allows(domain, action, kind, resource) {
			return true
		}
	}
	return false
}
