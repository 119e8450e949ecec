package models

import "context"

// DefaultTenantID is used when multitenancy is disabled and no tenant header
// is present.
const DefaultTenantID = "default"

// TenantContext identifies the tenant a request executes on behalf of.
// TenantID is immutable for the life of the request; the context is passed
// read-only through the pipeline.
type TenantContext struct {
	TenantID   string            `json:"tenant_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DefaultTenant returns the context used in single-tenant deployments.
func DefaultTenant() TenantContext {
	return TenantContext{TenantID: DefaultTenantID}
}

// Attribute returns the named attribute, or "" when absent.
func (t TenantContext) Attribute(key string) string {
	if t.Attributes == nil {
		return ""
	}
	return t.Attributes[key]
}

type tenantCtxKey struct{}

// WithTenant stamps the tenant onto ctx so components below the engine can
// recover it without widening their call signatures.
func WithTenant(ctx context.Context, t TenantContext) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, t)
}

// TenantFrom returns the tenant stamped on ctx, or the default tenant when
// none is present.
func TenantFrom(ctx context.Context) TenantContext {
	if t, ok := ctx.Value(tenantCtxKey{}).(TenantContext); ok {
		return t
	}
	return DefaultTenant()
}
