package secrets

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type fakeRegistry struct {
	slug       string
	slugErr    error
	schema     Schema
	schemaErr  error
	stored     map[string]any
	storedErr  error
	gotAPIKey  string
	gotService string
}

func (f *fakeRegistry) ResolveSlug(ctx context.Context, serviceName string) (string, error) {
	f.gotService = serviceName
	return f.slug, f.slugErr
}

func (f *fakeRegistry) FetchSchema(ctx context.Context, slug string) (Schema, error) {
	return f.schema, f.schemaErr
}

func (f *fakeRegistry) FetchSecrets(ctx context.Context, slug string, apiKey string) (map[string]any, error) {
	f.gotAPIKey = apiKey
	return f.stored, f.storedErr
}

func TestResolveMergePriority(t *testing.T) {
	reg := &fakeRegistry{
		slug: "alice-weather",
		schema: Schema{
			Required: []Field{
				{Name: "API_TOKEN", Type: FieldTypeString},
			},
			Optional: []Field{
				{Name: "REGION", Type: FieldTypeString, Default: "us-east-1"},
				{Name: "DEBUG", Type: FieldTypeBoolean},
			},
		},
		stored: map[string]any{
			"API_TOKEN": "tok_123",
			"IGNORED":   "not in schema",
		},
	}

	cfg, err := NewResolver(reg, nil).Resolve(context.Background(), "alice/weather", "sk_live_abc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := ResolvedConfig{
		"API_TOKEN": "tok_123",
		"REGION":    "us-east-1",
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("config = %#v, want %#v", cfg, want)
	}
	if reg.gotAPIKey != "sk_live_abc" {
		t.Fatalf("secrets must be fetched with the caller's credential, got %q", reg.gotAPIKey)
	}
}

func TestResolveMissingRequiredField(t *testing.T) {
	reg := &fakeRegistry{
		slug: "alice-weather",
		schema: Schema{
			Required: []Field{
				{Name: "API_TOKEN", Type: FieldTypeString},
				{Name: "ACCOUNT_ID", Type: FieldTypeString},
			},
		},
	}

	_, err := NewResolver(reg, nil).Resolve(context.Background(), "alice/weather", "sk")
	var verr *ConfigValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ConfigValidationError, got %v", err)
	}
	if !reflect.DeepEqual(verr.Missing, []string{"ACCOUNT_ID", "API_TOKEN"}) {
		t.Fatalf("missing = %v", verr.Missing)
	}
}

func TestResolveSlugFallsBackToTenant(t *testing.T) {
	reg := &fakeRegistry{slugErr: errors.New("not deployed")}

	if _, err := NewResolver(reg, nil).Resolve(context.Background(), "alice/weather", "sk"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if reg.gotService != "alice/weather" {
		t.Fatalf("service lookup = %q", reg.gotService)
	}
}

func TestResolveFetchFailuresDegradeToEmpty(t *testing.T) {
	reg := &fakeRegistry{
		slug:      "alice-weather",
		schemaErr: errors.New("registry down"),
		storedErr: errors.New("registry down"),
	}

	cfg, err := NewResolver(reg, nil).Resolve(context.Background(), "alice/weather", "sk")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(cfg) != 0 {
		t.Fatalf("expected empty config, got %#v", cfg)
	}
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		name   string
		field  Field
		raw    any
		want   any
		wantOK bool
	}{
		{"string ok", Field{Type: FieldTypeString}, "x", "x", true},
		{"string rejects number", Field{Type: FieldTypeString}, 3.0, nil, false},
		{"enum member", Field{Type: FieldTypeString, Enum: []string{"a", "b"}}, "b", "b", true},
		{"enum outsider", Field{Type: FieldTypeString, Enum: []string{"a", "b"}}, "c", nil, false},
		{"bool ok", Field{Type: FieldTypeBoolean}, true, true, true},
		{"bool rejects string", Field{Type: FieldTypeBoolean}, "true", nil, false},
		{"number from float", Field{Type: FieldTypeNumber}, 1.5, 1.5, true},
		{"number from string", Field{Type: FieldTypeNumber}, "2.5", 2.5, true},
		{"number garbage", Field{Type: FieldTypeNumber}, "nope", nil, false},
		{"integer from float", Field{Type: FieldTypeInteger}, 3.0, int64(3), true},
		{"integer rejects fraction", Field{Type: FieldTypeInteger}, 3.5, nil, false},
		{"integer from string", Field{Type: FieldTypeInteger}, "42", int64(42), true},
		{"unknown type passthrough", Field{Type: "json"}, map[string]any{"k": "v"}, map[string]any{"k": "v"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := coerce(tc.field, tc.raw)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("value = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestConfigValidationErrorOmitsValues(t *testing.T) {
	reg := &fakeRegistry{
		slug: "alice-weather",
		schema: Schema{
			Required: []Field{{Name: "PORT", Type: FieldTypeInteger}},
		},
		stored: map[string]any{"PORT": "not-a-number"},
	}

	_, err := NewResolver(reg, nil).Resolve(context.Background(), "alice/weather", "sk")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if msg := err.Error(); strings.Contains(msg, "not-a-number") {
		t.Fatalf("error message leaks stored value: %q", msg)
	}
	if msg := err.Error(); !strings.Contains(msg, "PORT") {
		t.Fatalf("error message should name the field: %q", msg)
	}
}
