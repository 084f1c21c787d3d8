// Package agent holds the named personas the chat relay can answer as, and
// the responder that turns a conversation into a streamed, grounded answer.
package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAgent is used when a request names no agent or an unknown one.
const DefaultAgent = "ragAgent"

// Agent describes one persona. Filter, when set, restricts retrieval to
// chunks whose agentName metadata equals it.
type Agent struct {
	Key          string `yaml:"key" json:"key"`
	Name         string `yaml:"name" json:"name"`
	DisplayName  string `yaml:"display_name" json:"displayName"`
	Description  string `yaml:"description" json:"description"`
	Instructions string `yaml:"instructions" json:"-"`
	Model        string `yaml:"model" json:"model,omitempty"`
	Filter       string `yaml:"filter" json:"filter,omitempty"`
	TopK         int    `yaml:"top_k" json:"topK,omitempty"`
}

// Registry maps agent keys to descriptors. It is built once at start-up and
// read-only afterwards.
type Registry struct {
	byKey map[string]Agent
	order []string
	def   string
}

// NewRegistry builds a registry from agents. The first agent whose key is
// DefaultAgent, or the first agent, becomes the fallback.
func NewRegistry(agents []Agent) (*Registry, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("agent registry is empty")
	}
	r := &Registry{byKey: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		if err := r.put(a); err != nil {
			return nil, err
		}
	}
	r.def = r.order[0]
	if _, ok := r.byKey[strings.ToLower(DefaultAgent)]; ok {
		r.def = strings.ToLower(DefaultAgent)
	}
	return r, nil
}

// DefaultRegistry returns the built-in personas.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Defaults())
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) put(a Agent) error {
	if a.Key == "" {
		return fmt.Errorf("agent without key")
	}
	if a.Name == "" {
		a.Name = a.Key
	}
	if a.DisplayName == "" {
		a.DisplayName = a.Name
	}
	k := strings.ToLower(a.Key)
	if _, ok := r.byKey[k]; !ok {
		r.order = append(r.order, k)
	}
	r.byKey[k] = a
	return nil
}

type registryFile struct {
	Agents []Agent `yaml:"agents"`
}

// LoadFile overlays agents from a YAML file onto the built-in set. An entry
// with an existing key replaces only the fields it sets.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agents file: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing agents file %s: %w", path, err)
	}

	r := DefaultRegistry()
	for _, a := range f.Agents {
		if existing, ok := r.byKey[strings.ToLower(a.Key)]; ok {
			a = overlay(existing, a)
		}
		if err := r.put(a); err != nil {
			return nil, fmt.Errorf("agents file %s: %w", path, err)
		}
	}
	return r, nil
}

func overlay(base, o Agent) Agent {
	if o.Name != "" {
		base.Name = o.Name
	}
	if o.DisplayName != "" {
		base.DisplayName = o.DisplayName
	}
	if o.Description != "" {
		base.Description = o.Description
	}
	if o.Instructions != "" {
		base.Instructions = o.Instructions
	}
	if o.Model != "" {
		base.Model = o.Model
	}
	if o.Filter != "" {
		base.Filter = o.Filter
	}
	if o.TopK > 0 {
		base.TopK = o.TopK
	}
	return base
}

// Lookup finds an agent by key or name, ignoring case.
func (r *Registry) Lookup(name string) (Agent, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if a, ok := r.byKey[n]; ok {
		return a, true
	}
	for _, k := range r.order {
		if strings.ToLower(r.byKey[k].Name) == n {
			return r.byKey[k], true
		}
	}
	return Agent{}, false
}

// Resolve is Lookup with a fallback to the default agent.
func (r *Registry) Resolve(name string) Agent {
	if name != "" {
		if a, ok := r.Lookup(name); ok {
			return a
		}
	}
	return r.byKey[r.def]
}

// Default returns the fallback agent.
func (r *Registry) Default() Agent { return r.byKey[r.def] }

// All returns agents in registration order, default first.
func (r *Registry) All() []Agent {
	out := []Agent{r.byKey[r.def]}
	for _, k := range r.order {
		if k != r.def {
			out = append(out, r.byKey[k])
		}
	}
	return out
}
