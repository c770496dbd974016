package modload

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// descriptorDoc is the on-disk form of a ModuleDescriptor. Durations are
// expressed as strings ("5s", "1500ms") so the same document works for both
// YAML and TOML.
type descriptorDoc struct {
	ID                  string   `yaml:"id" toml:"id"`
	Name                string   `yaml:"name" toml:"name"`
	RequiredPermissions []string `yaml:"requiredPermissions" toml:"requiredPermissions"`
	RequiredRole        string   `yaml:"requiredRole" toml:"requiredRole"`
	Timeout             string   `yaml:"timeout" toml:"timeout"`
	MaxRetries          int      `yaml:"maxRetries" toml:"maxRetries"`
	CacheEnabled        *bool    `yaml:"cacheEnabled" toml:"cacheEnabled"`
	FallbackModules     []string `yaml:"fallbackModules" toml:"fallbackModules"`
	Priority            string   `yaml:"priority" toml:"priority"`
	MobileSupport       bool     `yaml:"mobileSupport" toml:"mobileSupport"`
}

// descriptorFile is the top-level document shape for descriptor files.
type descriptorFile struct {
	Modules []descriptorDoc `yaml:"modules" toml:"modules"`
}

// defaultDescriptorTimeout applies when a descriptor file omits the timeout.
const defaultDescriptorTimeout = 10 * time.Second

// LoadDescriptorFile reads module descriptors from a YAML or TOML file and
// registers them. The format is chosen by file extension. Registration stops
// at the first invalid descriptor so a bad file never half-populates the
// registry silently.
func (r *Registry) LoadDescriptorFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read descriptor file %s: %w", path, err)
	}

	var file descriptorFile
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("failed to parse YAML descriptor file %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("failed to parse TOML descriptor file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported descriptor file extension %q", ErrDescriptorInvalid, ext)
	}

	for _, doc := range file.Modules {
		desc, err := doc.toDescriptor()
		if err != nil {
			return err
		}
		if err := r.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

// toDescriptor converts the on-disk document into a runtime descriptor,
// parsing durations and applying file-level defaults.
func (d descriptorDoc) toDescriptor() (ModuleDescriptor, error) {
	timeout := defaultDescriptorTimeout
	if d.Timeout != "" {
		parsed, err := time.ParseDuration(d.Timeout)
		if err != nil {
			return ModuleDescriptor{}, fmt.Errorf("%w: module %q: bad timeout %q: %w",
				ErrDescriptorInvalid, d.ID, d.Timeout, err)
		}
		timeout = parsed
	}

	// Caching defaults to enabled unless the file says otherwise.
	cacheEnabled := true
	if d.CacheEnabled != nil {
		cacheEnabled = *d.CacheEnabled
	}

	return ModuleDescriptor{
		ID:                  d.ID,
		Name:                d.Name,
		RequiredPermissions: d.RequiredPermissions,
		RequiredRole:        d.RequiredRole,
		Timeout:             timeout,
		MaxRetries:          d.MaxRetries,
		CacheEnabled:        cacheEnabled,
		FallbackModules:     d.FallbackModules,
		Priority:            Priority(d.Priority),
		MobileSupport:       d.MobileSupport,
	}, nil
}
