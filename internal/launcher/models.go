package launcher

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/storyguild/pkg/cerr"
)

// Provider describes how to drive one agent binary.
type Provider struct {
	Name   string `yaml:"name"`
	Binary string `yaml:"binary"`
	// Args precede everything else on a piped (stream-json) run.
	Args []string `yaml:"args"`
	// InteractiveArgs replace Args on a terminal run.
	InteractiveArgs []string `yaml:"interactive_args"`
	ModelFlag       string   `yaml:"model_flag"`
	ResumeFlag      string   `yaml:"resume_flag"`
	// Models lists the model ids routed to this provider. The first provider
	// of a catalog also receives unlisted models.
	Models []string          `yaml:"models"`
	Env    map[string]string `yaml:"env"`
}

type Catalog struct {
	Providers []Provider `yaml:"providers"`
}

// DefaultCatalog drives the claude CLI in stream-json mode.
func DefaultCatalog() *Catalog {
	return &Catalog{Providers: []Provider{{
		Name:   "claude",
		Binary: "claude",
		Args: []string{
			"-p",
			"--output-format", "stream-json",
			"--verbose",
			"--dangerously-skip-permissions",
		},
		InteractiveArgs: []string{"--dangerously-skip-permissions"},
		ModelFlag:       "--model",
		ResumeFlag:      "--resume",
		Models:          []string{"sonnet", "opus", "haiku"},
	}}}
}

// LoadCatalog reads a providers file. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file %s: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "models file is not valid yaml", err)
	}
	if len(c.Providers) == 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "models file declares no providers", nil)
	}
	for i, p := range c.Providers {
		if p.Binary == "" {
			return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("provider %d has no binary", i), nil)
		}
		if p.Name == "" {
			c.Providers[i].Name = p.Binary
		}
	}
	return &c, nil
}

// Resolve picks the provider for model.
func (c *Catalog) Resolve(model string) Provider {
	for _, p := range c.Providers {
		if slices.Contains(p.Models, model) {
			return p
		}
	}
	return c.Providers[0]
}
