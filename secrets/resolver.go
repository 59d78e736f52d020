package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// Registry is the slice of the platform registry the resolver depends on.
// All three calls are best-effort from the resolver's point of view: a fetch
// failure degrades to an empty schema or secret set rather than failing the
// call outright.
type Registry interface {
	// ResolveSlug maps a deployed service name to the package slug the
	// registry keys schemas and secrets by.
	ResolveSlug(ctx context.Context, serviceName string) (string, error)
	// FetchSchema returns the package's declared secret schema.
	FetchSchema(ctx context.Context, slug string) (Schema, error)
	// FetchSecrets returns the caller's stored secret values for the package,
	// authenticated with the caller's own credential.
	FetchSecrets(ctx context.Context, slug string, apiKey string) (map[string]any, error)
}

// ConfigValidationError reports required fields left without a value after
// the merge, and stored values that failed type validation. It never carries
// secret values.
type ConfigValidationError struct {
	Tenant  string
	Missing []string
	Invalid []string
}

func (e *ConfigValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid values for fields: "+strings.Join(e.Invalid, ", "))
	}
	return fmt.Sprintf("config validation failed for %s: %s", e.Tenant, strings.Join(parts, "; "))
}

// Resolver builds a ResolvedConfig for a tenant. Resolution is deliberately
// not cached: secrets may change between sessions, and the result is only
// computed once per session creation.
type Resolver struct {
	reg Registry
	log *slog.Logger
}

func NewResolver(reg Registry, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Resolver{reg: reg, log: log}
}

// Resolve fetches the tenant's schema and stored values and merges them.
// Merge priority per declared field: stored value (type-coerced), then
// declared default, then omission. A required field that ends up omitted
// fails the whole resolution with a ConfigValidationError.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, apiKey string) (ResolvedConfig, error) {
	slug, err := r.reg.ResolveSlug(ctx, tenantID)
	if err != nil || slug == "" {
		// Legacy deployments key schemas directly by the service name.
		slug = tenantID
	}

	schema, err := r.reg.FetchSchema(ctx, slug)
	if err != nil {
		r.log.WarnContext(ctx, "secrets.schema.fetch.fail", slog.String("slug", slug), slog.String("err", err.Error()))
		schema = Schema{}
	}

	stored, err := r.reg.FetchSecrets(ctx, slug, apiKey)
	if err != nil {
		r.log.WarnContext(ctx, "secrets.values.fetch.fail", slog.String("slug", slug), slog.String("err", err.Error()))
		stored = nil
	}

	return merge(tenantID, schema, stored)
}

func merge(tenantID string, schema Schema, stored map[string]any) (ResolvedConfig, error) {
	cfg := make(ResolvedConfig, len(schema.Required)+len(schema.Optional))
	verr := &ConfigValidationError{Tenant: tenantID}

	fill := func(f Field, required bool) {
		if raw, ok := stored[f.Name]; ok {
			v, ok := coerce(f, raw)
			if !ok {
				verr.Invalid = append(verr.Invalid, f.Name)
				return
			}
			cfg[f.Name] = v
			return
		}
		if f.Default != nil {
			cfg[f.Name] = f.Default
			return
		}
		if required {
			verr.Missing = append(verr.Missing, f.Name)
		}
	}

	for _, f := range schema.Required {
		fill(f, true)
	}
	for _, f := range schema.Optional {
		fill(f, false)
	}

	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		sort.Strings(verr.Missing)
		sort.Strings(verr.Invalid)
		return nil, verr
	}
	return cfg, nil
}

// coerce validates a stored value against the declared field type. Numeric
// fields accept numeric-looking strings and convert them; everything else
// must already carry the declared type.
func coerce(f Field, raw any) (any, bool) {
	switch f.Type {
	case FieldTypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}
		if len(f.Enum) > 0 {
			for _, allowed := range f.Enum {
				if s == allowed {
					return s, true
				}
			}
			return nil, false
		}
		return s, true

	case FieldTypeBoolean:
		b, ok := raw.(bool)
		return b, ok

	case FieldTypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, true
		case string:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		}
		return nil, false

	case FieldTypeInteger:
		switch v := raw.(type) {
		case float64:
			if v != float64(int64(v)) {
				return nil, false
			}
			return int64(v), true
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		}
		return nil, false
	}

	// Unknown declared type: pass the stored value through untouched.
	return raw, true
}
