package flow

import (
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"flowdesk/pkg/task"
	"flowdesk/pkg/validate"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog holds the user-facing copy for every flow.
type Catalog struct {
	Titles   map[task.Type]string `yaml:"titles"`
	Prompts  map[string]string    `yaml:"prompts"`
	Labels   map[string]string    `yaml:"labels"`
	Services []validate.Option    `yaml:"services"`
	Messages map[string]string    `yaml:"messages"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("flow: embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file. Keys it omits fall back to the built-in copy.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	override, err := ParseCatalog(b)
	if err != nil {
		return nil, err
	}
	c := DefaultCatalog()
	c.merge(override)
	return c, nil
}

// ParseCatalog decodes YAML catalog content.
func ParseCatalog(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &c, nil
}

func (c *Catalog) merge(o *Catalog) {
	for k, v := range o.Titles {
		c.Titles[k] = v
	}
	for k, v := range o.Prompts {
		c.Prompts[k] = v
	}
	for k, v := range o.Labels {
		c.Labels[k] = v
	}
	for k, v := range o.Messages {
		c.Messages[k] = v
	}
	if len(o.Services) > 0 {
		c.Services = o.Services
	}
}

// Text formats message key with args. Unknown keys render as the key itself
// so a missing entry is visible rather than blank.
func (c *Catalog) Text(key string, args ...any) string {
	s, ok := c.Messages[key]
	if !ok {
		return key
	}
	if len(args) == 0 {
		return s
	}
	return fmt.Sprintf(s, args...)
}

// Prompt returns the prompt text for field.
func (c *Catalog) Prompt(field string, args ...any) string {
	s, ok := c.Prompts[field]
	if !ok {
		return field
	}
	if len(args) == 0 {
		return s
	}
	return fmt.Sprintf(s, args...)
}

// Title names a task type in messages.
func (c *Catalog) Title(t task.Type) string {
	if s, ok := c.Titles[t]; ok {
		return s
	}
	return string(t)
}

// Label names a field in messages.
func (c *Catalog) Label(field string) string {
	if s, ok := c.Labels[field]; ok {
		return s
	}
	return field
}
