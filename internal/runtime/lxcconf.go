package runtime

import (
	"fmt"
	"os"
	"strings"
)

type confLine struct {
	raw   string
	key   string // empty for comments and blanks
	value string
	dirty bool
}

// ConfigFile is an LXC container config. Unknown lines, comments and
// ordering are kept when the file is written back.
type ConfigFile struct {
	path  string
	lines []*confLine
}

// ParseConfig parses LXC config content.
func ParseConfig(content string) *ConfigFile {
	cf := &ConfigFile{}
	if content == "" {
		return cf
	}
	for _, raw := range strings.Split(strings.TrimSuffix(content, "\n"), "\n") {
		line := &confLine{raw: raw}
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			if k, v, ok := strings.Cut(trimmed, "="); ok {
				line.key = strings.TrimSpace(k)
				line.value = strings.TrimSpace(v)
			}
		}
		cf.lines = append(cf.lines, line)
	}
	return cf
}

// LoadConfig reads the config file at path.
func LoadConfig(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read container config: %w", err)
	}
	cf := ParseConfig(string(data))
	cf.path = path
	return cf, nil
}

// Get returns the last value set for key.
func (cf *ConfigFile) Get(key string) (string, bool) {
	for i := len(cf.lines) - 1; i >= 0; i-- {
		if cf.lines[i].key == key {
			return cf.lines[i].value, true
		}
	}
	return "", false
}

// Set makes value the only value of key. The first occurrence is updated
// in place; a missing key is appended.
func (cf *ConfigFile) Set(key, value string) {
	kept := cf.lines[:0]
	found := false
	for _, line := range cf.lines {
		if line.key != key {
			kept = append(kept, line)
			continue
		}
		if found {
			continue
		}
		found = true
		if line.value != value {
			line.value = value
			line.dirty = true
		}
		kept = append(kept, line)
	}
	cf.lines = kept
	if !found {
		cf.lines = append(cf.lines, &confLine{key: key, value: value, dirty: true})
	}
}

// Keys returns every key with the given prefix, in file order.
func (cf *ConfigFile) Keys(prefix string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, line := range cf.lines {
		if line.key != "" && strings.HasPrefix(line.key, prefix) && !seen[line.key] {
			seen[line.key] = true
			keys = append(keys, line.key)
		}
	}
	return keys
}

// Render returns the config content.
func (cf *ConfigFile) Render() string {
	var b strings.Builder
	for _, line := range cf.lines {
		if line.dirty {
			b.WriteString(line.key + " = " + line.value)
		} else {
			b.WriteString(line.raw)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Save writes the config back to where it was loaded from.
func (cf *ConfigFile) Save() error {
	if err := os.WriteFile(cf.path, []byte(cf.Render()), 0640); err != nil {
		return fmt.Errorf("failed to write container config: %w", err)
	}
	return nil
}
