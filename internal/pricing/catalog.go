// Package pricing resolves generation parameters to a credit cost.
//
// The catalog is an explicit, versioned, immutable value: it is loaded once
// at startup, validated, and passed down to the orchestrator, which records
// the resolved cost and the catalog version on the job row. The charged
// amount is therefore reproducible from the job alone, with no dependence on
// an ambient "active model" row that may have changed since.
//
// Request parameters arrive as an opaque JSON blob; this package extracts the
// typed fields it prices on (model, duration, resolution) at the boundary and
// validates them against the catalog's enumerated allowed values. Everything
// else in the blob (prompt, seeds, style settings) passes through untouched.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Resolution errors. All of them are client errors: the request is declined,
// nothing is charged.
var (
	// ErrInvalidParams indicates the params blob is not valid JSON or names
	// no model.
	ErrInvalidParams = errors.New("invalid generation parameters")
	// ErrUnknownModel indicates the requested model is not in the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrDurationTooLong indicates the requested duration exceeds the model's cap.
	ErrDurationTooLong = errors.New("duration exceeds model maximum")
	// ErrResolutionNotAllowed indicates the requested resolution is outside
	// the model's allowlist.
	ErrResolutionNotAllowed = errors.New("resolution not allowed for model")
)

// request is the typed subset of the opaque params blob that pricing reads.
type request struct {
	Model       string `json:"model"`
	DurationSec int    `json:"duration_seconds"`
	Resolution  string `json:"resolution"`
}

// ModelPrice prices one generation model.
//
// MaxDurationSec and Resolutions are optional constraints: zero and nil mean
// unconstrained. CreditsPerJob is a flat per-job cost; duration-proportional
// pricing would slot in here without touching callers.
type ModelPrice struct {
	Name           string   `json:"name"`
	CreditsPerJob  int64    `json:"credits_per_job"`
	MaxDurationSec int      `json:"max_duration_seconds,omitempty"`
	Resolutions    []string `json:"resolutions,omitempty"`
}

// Price is the result of resolving a request against the catalog.
type Price struct {
	// Credits is the cost to reserve for the job.
	Credits int64
	// CatalogVersion identifies the catalog that produced this price.
	CatalogVersion string
	// Model is the catalog model the request matched.
	Model string
}

// Catalog is a versioned set of model prices. Construct via Default or Load;
// a Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	Version string       `json:"version"`
	Models  []ModelPrice `json:"models"`

	byName map[string]*ModelPrice
}

// Default returns the built-in catalog used when no CATALOG_PATH is
// configured.
func Default() *Catalog {
	c := &Catalog{
		Version: "builtin-1",
		Models: []ModelPrice{
			{Name: "standard", CreditsPerJob: 5, MaxDurationSec: 10, Resolutions: []string{"720p", "1080p"}},
			{Name: "pro", CreditsPerJob: 8, MaxDurationSec: 10, Resolutions: []string{"720p", "1080p"}},
			{Name: "fast", CreditsPerJob: 2, MaxDurationSec: 5},
		},
	}
	if err := c.init(); err != nil {
		// The built-in catalog is a compile-time constant; failing init here
		// is a programming error.
		panic(err)
	}
	return c
}

// Load reads and validates a catalog from a JSON file.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("invalid catalog %s: %w", path, err)
	}
	return &c, nil
}

// init validates the catalog and builds the lookup index.
func (c *Catalog) init() error {
	if c.Version == "" {
		return errors.New("catalog version must not be empty")
	}
	if len(c.Models) == 0 {
		return errors.New("catalog must define at least one model")
	}
	c.byName = make(map[string]*ModelPrice, len(c.Models))
	for i := range c.Models {
		m := &c.Models[i]
		if m.Name == "" {
			return errors.New("model name must not be empty")
		}
		if m.CreditsPerJob <= 0 {
			return fmt.Errorf("model %q: credits_per_job must be > 0", m.Name)
		}
		if m.MaxDurationSec < 0 {
			return fmt.Errorf("model %q: max_duration_seconds must be >= 0", m.Name)
		}
		if _, dup := c.byName[m.Name]; dup {
			return fmt.Errorf("model %q defined twice", m.Name)
		}
		c.byName[m.Name] = m
	}
	return nil
}

// Resolve extracts the priced fields from the opaque params blob, validates
// them against the catalog, and returns the credit cost.
func (c *Catalog) Resolve(params []byte) (Price, error) {
	var req request
	if err := json.Unmarshal(params, &req); err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if req.Model == "" {
		return Price{}, fmt.Errorf("%w: model is required", ErrInvalidParams)
	}
	m, ok := c.byName[req.Model]
	if !ok {
		return Price{}, fmt.Errorf("%w: %q", ErrUnknownModel, req.Model)
	}
	if req.DurationSec < 0 {
		return Price{}, fmt.Errorf("%w: duration_seconds must be >= 0", ErrInvalidParams)
	}
	if m.MaxDurationSec > 0 && req.DurationSec > m.MaxDurationSec {
		return Price{}, fmt.Errorf("%w: %ds > %ds", ErrDurationTooLong, req.DurationSec, m.MaxDurationSec)
	}
	if len(m.Resolutions) > 0 && req.Resolution != "" && !contains(m.Resolutions, req.Resolution) {
		return Price{}, fmt.Errorf("%w: %q", ErrResolutionNotAllowed, req.Resolution)
	}
	return Price{Credits: m.CreditsPerJob, CatalogVersion: c.Version, Model: m.Name}, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
