package mesh

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aaron031291/grace/pkg/contracts"
)

// schemaRegistry holds optional JSON Schemas, keyed by event-type
// prefix, that inbound payloads must satisfy. Unregistered prefixes pass
// through unchecked.
type schemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func newSchemaRegistry() *schemaRegistry {
	return &schemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// RegisterSchema attaches a payload schema to an event-type prefix
// (e.g. "health"). Events whose type starts with that prefix are
// validated on Publish.
func (m *Mesh) RegisterSchema(prefix, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://grace.schemas.local/mesh/%s.schema.json", prefix)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("mesh schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("mesh schema compile failed: %w", err)
	}
	m.schemas.mu.Lock()
	m.schemas.schemas[prefix] = compiled
	m.schemas.mu.Unlock()
	return nil
}

func (r *schemaRegistry) validate(event contracts.Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.schemas) == 0 {
		return nil
	}
	prefix, _, _ := strings.Cut(event.EventType, ".")
	schema, ok := r.schemas[prefix]
	if !ok {
		return nil
	}
	// jsonschema validates generic values; payload maps are already in
	// that form.
	payload := map[string]any{}
	for k, v := range event.Payload {
		payload[k] = v
	}
	if err := schema.Validate(payload); err != nil {
		return contracts.WrapError(contracts.KindValidation, err,
			fmt.Sprintf("payload rejected by %s schema", prefix))
	}
	return nil
}
