// Package credentials resolves generation backend API keys.
//
// Keys live in a credentials.toml with one section per provider and an
// optional [llm] fallback section:
//
//	[anthropic]
//	api_key = "sk-ant-..."
//
//	[llm]
//	api_key = "used by any provider without its own section"
//
// The file must be mode 0400. Environment variables are consulted last.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the credentials file looked up in the standard locations.
const FileName = "credentials.toml"

// ErrInsecurePermissions is returned when the credentials file is readable
// by anyone but its owner.
var ErrInsecurePermissions = errors.New("credentials file has insecure permissions")

// Credentials holds API keys keyed by provider section.
type Credentials struct {
	// Path is the file the keys were read from.
	Path string

	fallback string
	keys     map[string]string
}

type section struct {
	APIKey string `toml:"api_key"`
}

// StandardPaths returns the lookup order: the working directory, then
// ~/.config/taskdispatch, then ~/.taskdispatch.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "taskdispatch", FileName),
			filepath.Join(home, ".taskdispatch", FileName),
		)
	}
	return paths
}

// Load reads the first credentials file found in StandardPaths. A missing
// file is not an error; the result then resolves keys from the
// environment only.
func Load() (*Credentials, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return &Credentials{keys: map[string]string{}}, nil
}

// LoadFile reads credentials from path. On Unix the file must be mode 0400.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)", ErrInsecurePermissions, path, mode)
		}
	}

	var sections map[string]section
	if _, err := toml.DecodeFile(path, &sections); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	c := &Credentials{Path: path, keys: make(map[string]string, len(sections))}
	for name, s := range sections {
		if s.APIKey == "" {
			continue
		}
		if name == "llm" {
			c.fallback = s.APIKey
			continue
		}
		c.keys[normalize(name)] = s.APIKey
	}
	return c, nil
}

// APIKey returns the key for provider: its own section first, then [llm],
// then the provider's environment variable. Empty means none is configured.
func (c *Credentials) APIKey(provider string) string {
	if c != nil {
		if key := c.keys[normalize(provider)]; key != "" {
			return key
		}
		if c.fallback != "" {
			return c.fallback
		}
	}
	return os.Getenv(EnvVar(provider))
}

// EnvVar returns the environment variable holding provider's key.
func EnvVar(provider string) string {
	switch normalize(provider) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai", "openaicompat", "litellm":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "ollama", "ollamaopenai":
		return "OLLAMA_API_KEY"
	}
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}

func normalize(provider string) string {
	return strings.ToLower(strings.ReplaceAll(provider, "-", ""))
}
