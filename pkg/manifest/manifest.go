package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/extforge/pkg/version"
)

var (
	// ErrParse is returned when the name or version field is missing or malformed
	ErrParse = errors.New("manifest parse error")

	// ErrNotFound is returned when the manifest file does not exist
	ErrNotFound = errors.New("manifest not found")
)

// DefaultFileName is the manifest location relative to the extension directory
const DefaultFileName = "extension.yaml"

var (
	nameLine    = regexp.MustCompile(`(?m)^name:[ \t]*(.*?)[ \t]*\r?$`)
	versionLine = regexp.MustCompile(`(?m)^version:[ \t]*(.*?)[ \t]*\r?$`)
	// versionValue captures the optional quote, the value and the closing quote
	versionValue = regexp.MustCompile(`(?m)^(version:[ \t]*)(["']?)([0-9.]+)(["']?)`)
	nameValue    = regexp.MustCompile(`^([:A-Za-z0-9._-]+)$`)
	pythonLine   = regexp.MustCompile(`(?m)^python:`)
)

// Manifest is the identity of a publishable extension
type Manifest struct {
	Name    string
	Version version.Version

	raw []byte
}

// Parse extracts the top-level name and version scalars from manifest text
func Parse(text []byte) (*Manifest, error) {
	name, err := scalar(nameLine, text, "name")
	if err != nil {
		return nil, err
	}
	if !nameValue.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrParse, name)
	}

	raw, err := scalar(versionLine, text, "version")
	if err != nil {
		return nil, err
	}
	v, err := version.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	return &Manifest{Name: name, Version: v, raw: append([]byte(nil), text...)}, nil
}

// Load reads and parses the manifest at path
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// FileName is the distributable archive name: every ':' in the name
// becomes '_', followed by the version as written.
func (m *Manifest) FileName() string {
	return FileName(m.Name, m.Version)
}

// FileName builds the archive name for an arbitrary name and version
func FileName(name string, v version.Version) string {
	return strings.ReplaceAll(name, ":", "_") + "-" + v.String() + ".zip"
}

// UsesAlternateBackend reports whether the manifest declares a top-level
// python section, which must be packaged by the external backend.
func (m *Manifest) UsesAlternateBackend() bool {
	var doc yaml.Node
	if err := yaml.Unmarshal(m.raw, &doc); err != nil || len(doc.Content) == 0 {
		return pythonLine.Match(m.raw)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "python" {
			return true
		}
	}
	return false
}

// scalar returns the unquoted value of a top-level key with any trailing
// comment removed.
func scalar(re *regexp.Regexp, text []byte, key string) (string, error) {
	match := re.FindSubmatch(text)
	if match == nil {
		return "", fmt.Errorf("%w: missing %s", ErrParse, key)
	}
	val := string(bytes.TrimSpace(match[1]))

	if len(val) > 0 && (val[0] == '"' || val[0] == '\'') {
		end := strings.IndexByte(val[1:], val[0])
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated quote in %s", ErrParse, key)
		}
		val = val[1 : end+1]
	} else if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	} else if strings.HasPrefix(val, "#") {
		val = ""
	}

	if val == "" {
		return "", fmt.Errorf("%w: empty %s", ErrParse, key)
	}
	return val, nil
}
