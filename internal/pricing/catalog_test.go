package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_ResolvesBuiltinModels(t *testing.T) {
	c := Default()

	cases := []struct {
		name    string
		params  string
		credits int64
		model   string
	}{
		{"standard", `{"model":"standard","duration_seconds":5,"resolution":"720p"}`, 5, "standard"},
		{"pro", `{"model":"pro","duration_seconds":10,"resolution":"1080p"}`, 8, "pro"},
		{"fast no resolution", `{"model":"fast","duration_seconds":5}`, 2, "fast"},
		{"extra fields pass through", `{"model":"standard","duration_seconds":5,"prompt":"a cat","seed":42}`, 5, "standard"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := c.Resolve([]byte(tc.params))
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if p.Credits != tc.credits || p.Model != tc.model {
				t.Fatalf("price = %+v, want %d credits for %q", p, tc.credits, tc.model)
			}
			if p.CatalogVersion != "builtin-1" {
				t.Fatalf("catalog version = %q", p.CatalogVersion)
			}
		})
	}
}

func TestResolve_Declines(t *testing.T) {
	c := Default()

	cases := []struct {
		name   string
		params string
		want   error
	}{
		{"not json", `{model: standard}`, ErrInvalidParams},
		{"missing model", `{"duration_seconds":5}`, ErrInvalidParams},
		{"negative duration", `{"model":"standard","duration_seconds":-1}`, ErrInvalidParams},
		{"unknown model", `{"model":"vhs"}`, ErrUnknownModel},
		{"duration over cap", `{"model":"fast","duration_seconds":6}`, ErrDurationTooLong},
		{"resolution not allowed", `{"model":"standard","duration_seconds":5,"resolution":"8k"}`, ErrResolutionNotAllowed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Resolve([]byte(tc.params)); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestResolve_UnconstrainedResolution(t *testing.T) {
	// "fast" enumerates no resolutions, so any value is accepted.
	c := Default()
	if _, err := c.Resolve([]byte(`{"model":"fast","duration_seconds":3,"resolution":"8k"}`)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	doc := `{
		"version": "2026-02",
		"models": [
			{"name": "cinema", "credits_per_job": 12, "max_duration_seconds": 30, "resolutions": ["1080p", "4k"]}
		]
	}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, err := c.Resolve([]byte(`{"model":"cinema","duration_seconds":30,"resolution":"4k"}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Credits != 12 || p.CatalogVersion != "2026-02" {
		t.Fatalf("price = %+v", p)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidCatalogs(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `version: 1`},
		{"empty version", `{"version":"","models":[{"name":"m","credits_per_job":1}]}`},
		{"no models", `{"version":"v1","models":[]}`},
		{"unnamed model", `{"version":"v1","models":[{"name":"","credits_per_job":1}]}`},
		{"free model", `{"version":"v1","models":[{"name":"m","credits_per_job":0}]}`},
		{"negative cap", `{"version":"v1","models":[{"name":"m","credits_per_job":1,"max_duration_seconds":-1}]}`},
		{"duplicate model", `{"version":"v1","models":[{"name":"m","credits_per_job":1},{"name":"m","credits_per_job":2}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.json")
			if err := os.WriteFile(path, []byte(tc.doc), 0o600); err != nil {
				t.Fatalf("write catalog: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
