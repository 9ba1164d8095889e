// Package agentregistry is the Agent Class catalog (SPEC_FULL.md §3 "Agent
// Class" entity): descriptive metadata consumed by the Agent Host when
// launching externally-containerized agent workers.
package agentregistry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/banterop/conductor/internal/platform/logging"
)

// MountTemplate describes one bind mount for a container-launched agent
// class, with {workspace}/{conversation_id}/{agent_id} template variables
// resolved by the Agent Host at launch time.
type MountTemplate struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// ResourceLimits bounds a container-launched agent worker.
type ResourceLimits struct {
	MemoryMB       int64   `json:"memoryMb"`
	CPUCores       float64 `json:"cpuCores"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
}

// Class is one catalog entry. Only externally-launched (container) agent
// classes need Image/Tag/Mounts/ResourceLimits populated; internal
// (in-process strategy) agents reference a class purely for its
// Capabilities/descriptive fields, per SPEC_FULL.md §3.
type Class struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Image          string          `json:"image,omitempty"`
	Tag            string          `json:"tag,omitempty"`
	WorkingDir     string          `json:"workingDir,omitempty"`
	Mounts         []MountTemplate `json:"mounts,omitempty"`
	ResourceLimits ResourceLimits  `json:"resourceLimits"`
	Capabilities   []string        `json:"capabilities"`
	Enabled        bool            `json:"enabled"`
}

func validate(c *Class) error {
	if c.ID == "" {
		return fmt.Errorf("agent class must have a non-empty id")
	}
	if c.Name == "" {
		return fmt.Errorf("agent class %q must have a non-empty name", c.ID)
	}
	return nil
}

// Registry holds the set of known agent classes, keyed by id.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
	logger  *logging.Logger
}

// New constructs an empty Registry.
func New(log *logging.Logger) *Registry {
	return &Registry{
		classes: make(map[string]*Class),
		logger:  log.WithComponent("agentregistry"),
	}
}

// LoadDefaults seeds the registry with the built-in catalog.
func (r *Registry) LoadDefaults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range DefaultClasses() {
		r.classes[c.ID] = c
		r.logger.Info("loaded default agent class", zap.String("id", c.ID))
	}
}

// Register adds a new agent class, rejecting duplicates.
func (r *Registry) Register(c *Class) error {
	if err := validate(c); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[c.ID]; exists {
		return fmt.Errorf("agent class %q already registered", c.ID)
	}
	r.classes[c.ID] = c
	r.logger.Info("registered agent class", zap.String("id", c.ID))
	return nil
}

// Unregister removes an agent class.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[id]; !exists {
		return fmt.Errorf("agent class %q not found", id)
	}
	delete(r.classes, id)
	return nil
}

// Get returns one agent class by id.
func (r *Registry) Get(id string) (*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, exists := r.classes[id]
	if !exists {
		return nil, fmt.Errorf("agent class %q not found", id)
	}
	return c, nil
}

// List returns all enabled classes in no particular order.
func (r *Registry) List() []*Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Class, 0, len(r.classes))
	for _, c := range r.classes {
		if !c.Enabled {
			continue
		}
		out = append(out, c)
	}
	return out
}
