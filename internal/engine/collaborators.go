// Package engine assembles the storage substrate, every index manager,
// the transaction manager, the content pipeline, the changefeed, and the
// query engine into one object graph, and defines the interface contracts
// for the pieces this core treats strictly as external collaborators: key
// material validation, authorization, and plugin/compute-backend loading
// (spec §1's "consumed as a KeyProvider and a claims struct", "policy
// engine (consumed as a decision oracle)", and "plugin loading
// mechanics"). None of those are implemented here — only the contract the
// core calls through.
package engine

import "context"

// Claims is the decoded identity/authorization context a caller presents
// with a request, produced by whatever JWT/PASETO validation the external
// HTTP layer performs before reaching the core. The core never parses or
// verifies a token itself; it only reads the fields below off an already-
// validated Claims value.
type Claims struct {
	Subject string
	Scopes  []string
	// TenantID scopes multi-tenant deployments; the core namespaces keys
	// per spec.md's keyschema but does not enforce tenant isolation
	// itself — that is PolicyOracle's job.
	TenantID string
}

// HasScope reports whether claims carries the named scope.
func (c Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// KeyProvider resolves the signing key material used to validate bearer
// tokens into Claims, external to this core (spec §1: "PKI/JWT validation
// internals, consumed as a KeyProvider and a claims struct"). The core
// never implements KeyProvider; it is injected by the HTTP layer that
// constructs an engine.Engine and is only referenced here as a type other
// collaborators may depend on.
type KeyProvider interface {
	// PublicKey returns the verification key for kid, or an error if kid
	// is unknown or has been rotated out.
	PublicKey(ctx context.Context, kid string) (any, error)
}

// PolicyOracle is the external decision engine every mutating and
// sensitive read operation is checked against before it runs (spec §1:
// "policy engine, consumed as a decision oracle"; spec's PolicyDenied
// error kind surfaces a oracle rejection as HTTP 403). Authorize returns
// a nil error to permit the action; any non-nil error is treated as a
// denial and wrapped with kverr.ErrPolicyDenied by the caller.
type PolicyOracle interface {
	Authorize(ctx context.Context, claims Claims, action, resource string) error
}

// AllowAll is a PolicyOracle that permits every action, useful for
// single-tenant deployments and tests that don't wire a real policy
// engine.
type AllowAll struct{}

// Authorize always returns nil.
func (AllowAll) Authorize(context.Context, Claims, string, string) error { return nil }

// ComputeBackend is the pluggable acceleration interface referenced by
// spec §1's GPU non-goal ("treated as an optional pluggable compute
// backend behind a stable interface") and §9's "dynamic dispatch" note
// that compute backends, HSMs, and importers are consumed by the core
// only as interface contracts. The default vector/secondary/graph index
// managers in this module implement their own computation directly and
// never call through a ComputeBackend; this interface exists so an
// external plugin loader has a contract to satisfy if one is wired in.
type ComputeBackend interface {
	Name() string
	DistanceBatch(ctx context.Context, query []float32, candidates [][]float32) ([]float32, error)
}

// PluginLoader resolves a named plugin (compute backend, HSM, importer)
// into its interface value. The core never loads a binary or shared
// object itself (spec §9 "the plugin loader is an external collaborator");
// this interface is only the contract a loader built outside this module
// satisfies.
type PluginLoader interface {
	Load(ctx context.Context, name string) (any, error)
}
