package plans

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog maps plan keys to plans
type Catalog interface {
	Lookup(key string) (Plan, bool)
	Keys() []string
}

// StaticCatalog is an immutable in-memory catalog
type StaticCatalog struct {
	plans map[string]Plan
	keys  []string
}

// NewStaticCatalog builds a catalog from plan definitions. Duplicate keys and
// invalid plans are rejected.
func NewStaticCatalog(list ...Plan) (*StaticCatalog, error) {
	c := &StaticCatalog{
		plans: make(map[string]Plan, len(list)),
		keys:  make([]string, 0, len(list)),
	}
	for _, p := range list {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, exists := c.plans[p.Key]; exists {
			return nil, fmt.Errorf("duplicate plan key: %s", p.Key)
		}
		c.plans[p.Key] = p
		c.keys = append(c.keys, p.Key)
	}
	sort.Strings(c.keys)
	return c, nil
}

// MustStaticCatalog is NewStaticCatalog for fixed definitions known to be valid
func MustStaticCatalog(list ...Plan) *StaticCatalog {
	c, err := NewStaticCatalog(list...)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the plan for key
func (c *StaticCatalog) Lookup(key string) (Plan, bool) {
	p, ok := c.plans[key]
	return p, ok
}

// Keys returns all plan keys in lexical order
func (c *StaticCatalog) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// catalogFile is the on-disk YAML layout
type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// ParseYAML decodes a catalog document
func ParseYAML(data []byte) (*StaticCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog defines no plans")
	}
	return NewStaticCatalog(f.Plans...)
}

// LoadFile reads a YAML plan catalog from disk
func LoadFile(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog %s: %w", path, err)
	}
	return ParseYAML(data)
}

// swappableCatalog lets a watcher replace the catalog atomically
type swappableCatalog struct {
	mu      sync.RWMutex
	current *StaticCatalog
}

func (s *swappableCatalog) Lookup(key string) (Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Lookup(key)
}

func (s *swappableCatalog) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Keys()
}

func (s *swappableCatalog) swap(c *StaticCatalog) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}
