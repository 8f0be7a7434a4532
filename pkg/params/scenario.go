package params

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidScenario is returned when a scenario file fails validation.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario describes one block job run loaded from YAML.
type Scenario struct {
	// Name is the human-readable scenario name
	Name string `yaml:"name"`

	// Description documents what the scenario exercises
	Description string `yaml:"description,omitempty"`

	// VM identifies the running domain that hosts the block job
	VM VMSpec `yaml:"vm"`

	// Tag selects the image whose parameters apply, e.g. "image1"
	Tag string `yaml:"tag"`

	// DataDir is the directory relative image names are resolved against
	DataDir string `yaml:"dataDir,omitempty"`

	// Params are the raw parameters, see ObjectParams
	Params Params `yaml:"params"`
}

// VMSpec locates the domain and its guest.
type VMSpec struct {
	// Name is the libvirt domain name
	Name string `yaml:"name"`

	// URI is the libvirt connection URI (default qemu:///system)
	URI string `yaml:"uri,omitempty"`

	// Monitor is the monitor dialect, qmp or hmp (default qmp)
	Monitor string `yaml:"monitor,omitempty"`

	// Guest holds SSH credentials for guest sessions
	Guest GuestSpec `yaml:"guest,omitempty"`
}

// GuestSpec holds guest login settings.
type GuestSpec struct {
	User           string `yaml:"user,omitempty"`
	PrivateKeyPath string `yaml:"privateKeyPath,omitempty"`
	Port           string `yaml:"port,omitempty"`
}

// Validate checks the fields a run cannot start without.
func Validate(s *Scenario) error {
	var errs []error

	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(s.VM.Name) == "" {
		errs = append(errs, errors.New("vm.name is required"))
	}
	switch strings.ToLower(s.VM.Monitor) {
	case "", "qmp", "hmp":
	default:
		errs = append(errs, fmt.Errorf("vm.monitor must be qmp or hmp, got %q", s.VM.Monitor))
	}
	if strings.TrimSpace(s.Tag) == "" {
		errs = append(errs, errors.New("tag is required"))
	}
	if s.Params.ObjectParams(s.Tag).GetDefault("image_name", "") == "" {
		errs = append(errs, fmt.Errorf("params must set image_name or image_name_%s", s.Tag))
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidScenario}, errs...)...)
	}
	return nil
}
