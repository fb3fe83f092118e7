package config

import (
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/errors"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/qemu"
)

// Settings holds the per-VM invocation parameters stored under a name label.
// Zero values mean "not set"; WithDefaults fills them for a run.
type Settings struct {
	DiskImage string  `yaml:"disk_image"`
	Mem       float64 `yaml:"mem,omitempty"`
	Port      int     `yaml:"port,omitempty"`
	Cmd       string  `yaml:"cmd,omitempty"`
}

// File is the on-disk configuration: a map of short name labels to VM
// settings, so users don't have to repeat disk image paths on every run.
type File struct {
	Names map[string]Settings `yaml:"names"`
}

const fileName = ".gemvm.yaml"

// DefaultPath returns the per-user configuration file path.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.NewIOError("failed to locate home directory", err)
	}
	return filepath.Join(home, fileName), nil
}

// Load reads the configuration file. A missing file yields an empty usable
// config and no error. A corrupt file also yields an empty usable config,
// alongside a validation error the caller decides how to treat: the runner
// warns and continues, the config tool refuses to update.
func Load(path string) (*File, error) {
	empty := &File{Names: map[string]Settings{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, errors.NewIOError("failed to read config file", err).WithContext("path", path)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return empty, errors.NewValidationError("config file is not valid YAML", err).WithContext("path", path)
	}
	if f.Names == nil {
		f.Names = map[string]Settings{}
	}
	return &f, nil
}

// Save writes the configuration back in canonical YAML.
func Save(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return errors.NewInternalError("failed to encode config", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.NewIOError("failed to write config file", err).WithContext("path", path)
	}
	return nil
}

func (f *File) Lookup(name string) (Settings, bool) {
	s, ok := f.Names[name]
	return s, ok
}

func (f *File) Set(name string, s Settings) {
	if f.Names == nil {
		f.Names = map[string]Settings{}
	}
	f.Names[name] = s
}

func (f *File) Delete(name string) {
	delete(f.Names, name)
}

func (f *File) DeleteAll() {
	f.Names = map[string]Settings{}
}

// SortedNames returns the entry labels in stable order for listings.
func (f *File) SortedNames() []string {
	names := make([]string, 0, len(f.Names))
	for name := range f.Names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyOverrides layers non-nil command-line values over base settings.
func ApplyOverrides(base Settings, mem *float64, port *int, cmd *string) Settings {
	if mem != nil {
		base.Mem = *mem
	}
	if port != nil {
		base.Port = *port
	}
	if cmd != nil {
		base.Cmd = *cmd
	}
	return base
}

// WithDefaults fills unset fields with the standard invocation profile.
func (s Settings) WithDefaults() Settings {
	if s.Mem == 0 {
		s.Mem = qemu.DefaultMemGB
	}
	if s.Port == 0 {
		s.Port = qemu.DefaultSSHPort
	}
	if s.Cmd == "" {
		s.Cmd = qemu.DefaultCommand
	}
	return s
}

// ValidateSettings checks a fully resolved settings value before a run or
// before storing it in the config file.
func ValidateSettings(s Settings) error {
	if s.DiskImage == "" {
		return errors.NewValidationError("disk image is required", nil)
	}
	if s.Mem <= 0 {
		return errors.NewValidationError("memory size must be positive", nil).WithContext("mem", s.Mem)
	}
	if s.Port < 1 || s.Port > 65535 {
		return errors.NewValidationError("port must be in range 1-65535", nil).WithContext("port", s.Port)
	}
	if s.Cmd == "" {
		return errors.NewValidationError("hypervisor command is required", nil)
	}
	return nil
}
