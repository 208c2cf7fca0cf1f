package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/provisor/pkg/types"
	"gopkg.in/yaml.v3"
)

// DeploymentFile is the YAML form of a deployment
type DeploymentFile struct {
	Name     string            `yaml:"name"`
	Schedule *ScheduleFile     `yaml:"schedule,omitempty"`
	Services []ServiceFile     `yaml:"services"`
	Nested   []*DeploymentFile `yaml:"nested,omitempty"`
}

type ScheduleFile struct {
	Start          time.Time     `yaml:"start,omitempty"`
	Duration       time.Duration `yaml:"duration,omitempty"`
	RepeatCount    int           `yaml:"repeatCount,omitempty"`
	RepeatInterval time.Duration `yaml:"repeatInterval,omitempty"`
}

type ServiceFile struct {
	Name         string            `yaml:"name"`
	Mode         string            `yaml:"mode"`
	Planned      int               `yaml:"planned"`
	MaxPerAgent  int               `yaml:"maxPerAgent,omitempty"`
	Affinity     []string          `yaml:"affinity,omitempty"`
	Associations []AssociationFile `yaml:"associations,omitempty"`
}

type AssociationFile struct {
	Type       string `yaml:"type"`
	Deployment string `yaml:"deployment,omitempty"`
	Service    string `yaml:"service"`
}

func loadDeployment(path string) (*types.DeploymentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return parseDeployment(data)
}

func parseDeployment(data []byte) (*types.DeploymentSpec, error) {
	var file DeploymentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return file.spec()
}

func (f *DeploymentFile) spec() (*types.DeploymentSpec, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("deployment name is required")
	}

	spec := &types.DeploymentSpec{Name: f.Name}
	if f.Schedule != nil {
		spec.Schedule = &types.Schedule{
			StartDate:      f.Schedule.Start,
			Duration:       f.Schedule.Duration,
			RepeatCount:    f.Schedule.RepeatCount,
			RepeatInterval: f.Schedule.RepeatInterval,
		}
	}

	for _, s := range f.Services {
		mode := types.ProvisionMode(s.Mode)
		if s.Mode == "" {
			mode = types.ProvisionDynamic
		}
		if !mode.Valid() {
			return nil, fmt.Errorf("service %s/%s: unknown mode %q", f.Name, s.Name, s.Mode)
		}

		svc := &types.ServiceSpec{
			Deployment:      f.Name,
			Name:            s.Name,
			Mode:            mode,
			Planned:         s.Planned,
			MaxPerAgent:     s.MaxPerAgent,
			MachineAffinity: s.Affinity,
		}
		for _, a := range s.Associations {
			t := types.AssociationType(a.Type)
			if t != types.AssociationColocated && t != types.AssociationOpposed {
				return nil, fmt.Errorf("service %s/%s: unknown association %q", f.Name, s.Name, a.Type)
			}
			deployment := a.Deployment
			if deployment == "" {
				deployment = f.Name
			}
			svc.Associations = append(svc.Associations, &types.Association{
				Type:       t,
				Deployment: deployment,
				Name:       a.Service,
			})
		}
		spec.Services = append(spec.Services, svc)
	}

	for _, n := range f.Nested {
		nested, err := n.spec()
		if err != nil {
			return nil, err
		}
		spec.Nested = append(spec.Nested, nested)
	}
	return spec, nil
}
