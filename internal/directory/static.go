package directory

import (
	"context"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/dispatchd/internal/dispatch"
)

// StaticDirectory serves org membership from a YAML file:
//
//	namespaces:
//	  1000:
//	    orgs:
//	      42: [acu-1, acu-2]
//	      43: [acu-9]
//
// Credentials are accepted as given; the file is the only authority.
type StaticDirectory struct {
	namespaces map[int]map[int][]string
}

type staticFile struct {
	Namespaces map[int]struct {
		Orgs map[int][]string `yaml:"orgs"`
	} `yaml:"namespaces"`
}

// LoadStatic reads a membership file.
func LoadStatic(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled configuration
	if err != nil {
		return nil, fmt.Errorf("reading static directory: %w", err)
	}
	return ParseStatic(data)
}

// ParseStatic builds a directory from YAML membership data.
func ParseStatic(data []byte) (*StaticDirectory, error) {
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing static directory: %w", ErrInvalidConfig, err)
	}

	d := &StaticDirectory{namespaces: make(map[int]map[int][]string, len(f.Namespaces))}
	for ns, entry := range f.Namespaces {
		orgs := make(map[int][]string, len(entry.Orgs))
		for org, devices := range entry.Orgs {
			orgs[org] = slices.Clone(devices)
		}
		d.namespaces[ns] = orgs
	}
	return d, nil
}

// OrgDevices returns the devices listed for org in namespace.
func (d *StaticDirectory) OrgDevices(_ context.Context, org, namespace int, _ dispatch.Credentials) ([]string, error) {
	devices, ok := d.namespaces[namespace][org]
	if !ok {
		return nil, fmt.Errorf("%w: %d in namespace %d", dispatch.ErrUnknownOrg, org, namespace)
	}
	return slices.Clone(devices), nil
}
