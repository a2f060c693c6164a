package types

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDescriptor is returned when a descriptor cannot be decoded or
// violates a structural rule.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// Short container names must start with a letter and contain only letters
// and digits, so "<project>_<name>" splits unambiguously.
var containerNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

// Symbolic DNS entries.
const (
	DNSBridge = "$bridge" // project bridge gateway
	DNSCopy   = "$copy"   // host nameservers
)

// SourceKind identifies how a container is created
type SourceKind string

const (
	SourceNone     SourceKind = ""
	SourceTemplate SourceKind = "template"
	SourceClone    SourceKind = "clone"
	SourceDownload SourceKind = "download"
)

// Descriptor is the decoded project file
type Descriptor struct {
	Containers map[string]ContainerSpec `yaml:"containers"`
	Defaults   Defaults                 `yaml:"defaults,omitempty"`
}

// Defaults apply to every container with lower precedence than the
// container's own settings.
type Defaults struct {
	DNS    []string `yaml:"dns,omitempty"`
	Cgroup []string `yaml:"cgroup,omitempty"`
}

// ContainerSpec is the declared configuration of one container
type ContainerSpec struct {
	Template TemplateSpec      `yaml:"template,omitempty"`
	Clone    string            `yaml:"clone,omitempty"`
	Download map[string]string `yaml:"download,omitempty"` // dist, release, arch

	FQDN    string   `yaml:"fqdn,omitempty"`
	DNS     []string `yaml:"dns,omitempty"`
	Volumes []string `yaml:"volumes,omitempty"`
	Ports   []string `yaml:"ports,omitempty"`
	Links   []string `yaml:"links,omitempty"`
	Cgroup  []string `yaml:"cgroup,omitempty"`
}

// TemplateSpec holds the template name under "name" and the template
// arguments under the remaining keys. In a descriptor it is either a
// mapping or a bare template name.
type TemplateSpec map[string]string

// UnmarshalYAML accepts `template: alpine` as well as the mapping form.
func (t *TemplateSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		*t = TemplateSpec{"name": name}
		return nil
	}
	var m map[string]string
	if err := value.Decode(&m); err != nil {
		return err
	}
	if m == nil {
		m = map[string]string{}
	}
	*t = m
	return nil
}

// Source is the resolved creation source of a container
type Source struct {
	Kind     SourceKind
	Template string            // template name, "download" for download sources
	Args     map[string]string // template arguments
	Clone    string            // source container for clones
}

// Source validates that exactly one creation source is declared and
// returns it.
func (s ContainerSpec) Source() (Source, error) {
	var kinds []SourceKind
	if s.Template != nil {
		kinds = append(kinds, SourceTemplate)
	}
	if s.Clone != "" {
		kinds = append(kinds, SourceClone)
	}
	if s.Download != nil {
		kinds = append(kinds, SourceDownload)
	}
	if len(kinds) != 1 {
		return Source{}, fmt.Errorf("exactly one of template, clone or download is required, got %d", len(kinds))
	}

	switch kinds[0] {
	case SourceTemplate:
		name := s.Template["name"]
		if name == "" {
			return Source{}, fmt.Errorf("template requires a name")
		}
		return Source{Kind: SourceTemplate, Template: name, Args: templateArgs(s.Template)}, nil
	case SourceDownload:
		for _, key := range []string{"dist", "release", "arch"} {
			if s.Download[key] == "" {
				return Source{}, fmt.Errorf("download requires %q", key)
			}
		}
		return Source{Kind: SourceDownload, Template: "download", Args: templateArgs(s.Download)}, nil
	default:
		return Source{Kind: SourceClone, Clone: s.Clone}, nil
	}
}

func templateArgs(m map[string]string) map[string]string {
	args := make(map[string]string, len(m))
	for k, v := range m {
		if k == "name" {
			continue
		}
		args[k] = v
	}
	return args
}

// Hostname is the first label of the FQDN.
func (s ContainerSpec) Hostname() string {
	host, _, _ := strings.Cut(s.FQDN, ".")
	return host
}

// ValidContainerName reports whether name is an acceptable short name.
func ValidContainerName(name string) bool {
	return containerNamePattern.MatchString(name)
}

// QualifiedName returns the backend name of a project container.
func QualifiedName(project, name string) string {
	return project + "_" + name
}

// ShortName strips the project prefix from a qualified name.
func ShortName(project, qualified string) string {
	return strings.TrimPrefix(qualified, project+"_")
}

// Names returns the declared container names in sorted order.
func (d *Descriptor) Names() []string {
	names := make([]string, 0, len(d.Containers))
	for name := range d.Containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks structural rules that do not depend on host state.
func (d *Descriptor) Validate() error {
	if len(d.Containers) == 0 {
		return fmt.Errorf("%w: no containers defined", ErrInvalidDescriptor)
	}
	for _, name := range d.Names() {
		if !ValidContainerName(name) {
			return fmt.Errorf("%w: container name %q must match %s", ErrInvalidDescriptor, name, containerNamePattern)
		}
	}
	return nil
}

// ParseDescriptor decodes a descriptor from r. Unknown keys are rejected.
func ParseDescriptor(r io.Reader) (*Descriptor, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidDescriptor)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDescriptor reads and decodes the descriptor at path.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return ParseDescriptor(bytes.NewReader(data))
}

// Outcome reports whether an idempotent operation changed anything.
type Outcome int

const (
	Skipped Outcome = iota
	Performed
)

func (o Outcome) String() string {
	if o == Performed {
		return "performed"
	}
	return "skipped"
}
