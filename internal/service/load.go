package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	defaultComposeFile  = "docker-compose.yml"
	defaultProbeTimeout = 10 * time.Second
	maxPort             = 65535
)

// Document is the parsed services configuration document.
type Document struct {
	Services []Entry `yaml:"services" json:"services"`
}

// Entry is one raw service entry from the configuration document.
type Entry struct {
	Name          string            `yaml:"name" json:"name"`
	Kind          string            `yaml:"kind" json:"kind"`
	WorkingPath   string            `yaml:"working_path" json:"working_path"`
	ComposeFile   string            `yaml:"compose_file,omitempty" json:"compose_file,omitempty"`
	Container     string            `yaml:"container,omitempty" json:"container,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Ports         []int             `yaml:"ports,omitempty" json:"ports,omitempty"`
	HealthCheck   *HealthCheckEntry `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	RestartPolicy string            `yaml:"restart_policy,omitempty" json:"restart_policy,omitempty"`
	Enabled       *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// HealthCheckEntry is the raw health check block of an entry.
type HealthCheckEntry struct {
	Kind            string `yaml:"kind" json:"kind"`
	Target          string `yaml:"target" json:"target"`
	IntervalSeconds int    `yaml:"interval_seconds" json:"interval_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	MaxRetries      int    `yaml:"max_retries" json:"max_retries"`
}

// Load validates a configuration document and returns its service definitions in
// document order. Every problem found is reported; the result is nil on error.
func Load(doc Document) ([]Definition, error) {
	var errs []error
	defs := make([]Definition, 0, len(doc.Services))
	seen := make(map[string]bool, len(doc.Services))

	for i, entry := range doc.Services {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			errs = append(errs, &ConfigError{Field: fmt.Sprintf("services[%d].name", i), Err: ErrInvalidDefinition, Detail: "name is required"})
			continue
		}
		if seen[name] {
			errs = append(errs, &ConfigError{Service: name, Err: ErrDuplicateService})
			continue
		}
		seen[name] = true

		def, entryErrs := buildDefinition(name, entry)
		errs = append(errs, entryErrs...)
		defs = append(defs, def)
	}

	enabled := make(map[string]bool, len(defs))
	for _, def := range defs {
		enabled[def.Name] = def.Enabled
	}
	for _, def := range defs {
		for _, dep := range def.DependsOn {
			isEnabled, ok := enabled[dep]
			switch {
			case !ok:
				errs = append(errs, &ConfigError{Service: def.Name, Field: "depends_on", Err: ErrUnknownDependency, Detail: fmt.Sprintf("%q is not defined", dep)})
			case !isEnabled:
				errs = append(errs, &ConfigError{Service: def.Name, Field: "depends_on", Err: ErrUnknownDependency, Detail: fmt.Sprintf("%q is disabled", dep)})
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

func buildDefinition(name string, entry Entry) (Definition, []error) {
	var errs []error
	invalid := func(field, detail string) {
		errs = append(errs, &ConfigError{Service: name, Field: field, Err: ErrInvalidDefinition, Detail: detail})
	}

	def := Definition{
		Name:          name,
		Kind:          Kind(strings.TrimSpace(entry.Kind)),
		WorkingPath:   strings.TrimSpace(entry.WorkingPath),
		ComposeFile:   strings.TrimSpace(entry.ComposeFile),
		Container:     strings.TrimSpace(entry.Container),
		RestartPolicy: RestartPolicy(strings.TrimSpace(entry.RestartPolicy)),
		Enabled:       entry.Enabled == nil || *entry.Enabled,
	}

	switch def.Kind {
	case "":
		def.Kind = KindComposeStack
	case KindComposeStack, KindSingleContainer:
	default:
		invalid("kind", fmt.Sprintf("unknown kind %q", entry.Kind))
	}

	if def.Kind == KindComposeStack {
		if def.WorkingPath == "" {
			invalid("working_path", "working path is required for compose stacks")
		}
		if def.ComposeFile == "" {
			def.ComposeFile = defaultComposeFile
		}
	}

	switch def.RestartPolicy {
	case "":
		def.RestartPolicy = RestartNever
	case RestartNever, RestartOnFailure, RestartAlways:
	default:
		invalid("restart_policy", fmt.Sprintf("unknown restart policy %q", entry.RestartPolicy))
	}

	def.DependsOn = normalizeNames(entry.DependsOn)

	if len(entry.Ports) > 0 {
		def.Ports = make([]int, 0, len(entry.Ports))
		for _, port := range entry.Ports {
			if port < 1 || port > maxPort {
				invalid("ports", fmt.Sprintf("invalid port %d", port))
				continue
			}
			def.Ports = append(def.Ports, port)
		}
	}

	if entry.HealthCheck != nil {
		check, checkErrs := buildHealthCheck(name, *entry.HealthCheck)
		errs = append(errs, checkErrs...)
		def.HealthCheck = check
	}

	return def, errs
}

func buildHealthCheck(name string, entry HealthCheckEntry) (*HealthCheck, []error) {
	var errs []error
	invalid := func(field, detail string) {
		errs = append(errs, &ConfigError{Service: name, Field: "health_check." + field, Err: ErrInvalidHealthCheck, Detail: detail})
	}

	check := &HealthCheck{
		Kind:       ProbeKind(strings.TrimSpace(entry.Kind)),
		Target:     strings.TrimSpace(entry.Target),
		Interval:   time.Duration(entry.IntervalSeconds) * time.Second,
		Timeout:    time.Duration(entry.TimeoutSeconds) * time.Second,
		MaxRetries: entry.MaxRetries,
	}

	switch check.Kind {
	case ProbeHTTP, ProbeTCP, ProbeCommand:
	default:
		invalid("kind", fmt.Sprintf("unknown probe kind %q", entry.Kind))
	}
	if check.Target == "" {
		invalid("target", "target is required")
	}
	if entry.IntervalSeconds <= 0 {
		invalid("interval_seconds", "must be greater than zero")
	}
	if entry.MaxRetries < 0 {
		invalid("max_retries", "cannot be negative")
	}
	switch {
	case entry.TimeoutSeconds < 0:
		invalid("timeout_seconds", "cannot be negative")
	case entry.TimeoutSeconds == 0:
		check.Timeout = defaultProbeTimeout
	}

	return check, errs
}

func normalizeNames(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	sort.Strings(result)
	return result
}
