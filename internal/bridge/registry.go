// Package bridge exposes the tool surface consumed by external agent
// runtimes: a tool catalog with schema-validated execution, idempotent
// conversation mirroring, and a live message stream. Every endpoint is
// authenticated by a shared API key; execution additionally requires the
// host user on whose behalf the call runs.
package bridge

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexushq/relay/internal/relayerr"
)

// Tool is one adapter registered with the bridge. Args are validated against
// Schema before Execute runs.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	// ScopeOfEffect is "read" or "write"; advertised in the catalog so the
	// agent runtime can gate side-effecting calls.
	ScopeOfEffect() string
	Execute(ctx context.Context, userID string, args json.RawMessage) (any, error)
}

// CatalogEntry is the advertised shape of one tool.
type CatalogEntry struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	ArgSchema     json.RawMessage `json:"argSchema"`
	ScopeOfEffect string          `json:"scopeOfEffect"`
}

// Registry holds the registered tools with their compiled schemas.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
	version string
}

// NewRegistry compiles every tool's schema and freezes the catalog. A tool
// with an uncompilable schema is a programming error and fails construction.
func NewRegistry(tools []Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		name := t.Name()
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		compiler := jsonschema.NewCompiler()
		url := name + ".schema.json"
		if err := compiler.AddResource(url, strings.NewReader(string(t.Schema()))); err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", name, err)
		}
		r.tools[name] = t
		r.schemas[name] = schema
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	r.version = catalogVersion(r.order, r.tools)
	return r, nil
}

// catalogVersion fingerprints the tool set so runtimes can detect drift.
func catalogVersion(names []string, tools map[string]Tool) string {
	h := sha1.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(tools[name].Schema())
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Version returns the catalog fingerprint.
func (r *Registry) Version() string { return r.version }

// Catalog lists the registered tools in name order.
func (r *Registry) Catalog() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, CatalogEntry{
			Name:          t.Name(),
			Description:   t.Description(),
			ArgSchema:     t.Schema(),
			ScopeOfEffect: t.ScopeOfEffect(),
		})
	}
	return out
}

// Execute validates args against the tool's schema and dispatches. Adapter
// failures come back as errors for the transport to shape; host internals
// are never leaked beyond the error message.
func (r *Registry) Execute(ctx context.Context, userID, name string, args json.RawMessage) (any, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, relayerr.New(relayerr.KindNotFound, fmt.Sprintf("unknown tool %q", name))
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, relayerr.New(relayerr.KindInvalidRequest, "args must be a JSON object")
	}
	if err := r.schemas[name].Validate(decoded); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInvalidRequest, err)
	}
	return tool.Execute(ctx, userID, args)
}
