// Package schema validates event payloads against CUE schemas.
//
// Schemas live under a top-level "events" struct keyed by event type:
//
//	events: TicketCreated: {
//		title:     string & != ""
//		priority?: int & >=1 & <=5
//	}
//
// A payload is valid when it unifies with the schema of its type and the
// result is concrete. Event types without a schema are accepted. Structs are
// open unless the schema closes them with close() or a definition.
package schema

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// eventsPath is where schemas are looked up in a CUE value.
var eventsPath = cue.ParsePath("events")

// Registry maps event types to compiled CUE schemas. It implements
// store.PayloadValidator.
//
// Thread-safety: safe for concurrent use. A *cue.Context is not, so all CUE
// work is serialized on an internal mutex.
type Registry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

// LoadDir loads every CUE file in dir as one package and registers the
// schemas under "events". A later definition of a type replaces an earlier one.
func (r *Registry) LoadDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("schema dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("schema dir %s: not a directory", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return fmt.Errorf("scan schema dir %s: %w", dir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no CUE files found in %s", dir)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return fmt.Errorf("loading CUE files: %w", inst.Err)
	}
	value := r.ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return fmt.Errorf("building CUE value: %w", err)
	}
	return r.register(value)
}

// LoadSource compiles src and registers its schemas. name is used in
// error positions.
func (r *Registry) LoadSource(name, src string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	value := r.ctx.CompileString(src, cue.Filename(name))
	if err := value.Err(); err != nil {
		return fmt.Errorf("compiling %s: %w", name, err)
	}
	return r.register(value)
}

// register must be called with r.mu held.
func (r *Registry) register(value cue.Value) error {
	events := value.LookupPath(eventsPath)
	if !events.Exists() {
		return fmt.Errorf("no events struct defined")
	}
	iter, err := events.Fields()
	if err != nil {
		return fmt.Errorf("iterating events: %w", err)
	}
	loaded := make(map[string]cue.Value)
	for iter.Next() {
		v := iter.Value()
		if err := v.Validate(); err != nil {
			return fmt.Errorf("schema %s: %w", iter.Label(), err)
		}
		loaded[iter.Label()] = v
	}
	maps.Copy(r.schemas, loaded)
	return nil
}

// Types returns the event types that have a schema, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// ValidatePayload checks payload, a JSON object, against the schema of
// eventType. Types without a schema always pass.
func (r *Registry) ValidatePayload(eventType string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	schema, ok := r.schemas[eventType]
	if !ok {
		return nil
	}
	data := r.ctx.CompileBytes(payload, cue.Filename(eventType+".json"))
	if err := data.Err(); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}
