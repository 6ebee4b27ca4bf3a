package compose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
)

// ProjectLabel is the container label compose sets to the project name.
const ProjectLabel = "com.docker.compose.project"

// Project is the part of a compose project a compose-stack service needs.
type Project struct {
	Name        string
	WorkingDir  string
	File        string
	Services    []string
	Images      map[string]string
	Fingerprint string
}

// ProjectName converts a service name into a valid compose project name.
func ProjectName(name string) string {
	return loader.NormalizeProjectName(name)
}

// LoadProject reads and validates the compose file of a compose-stack service.
func LoadProject(ctx context.Context, workingDir, file, name string) (Project, error) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, file)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Project{}, fmt.Errorf("read compose file: %w", err)
	}
	project, err := ParseProject(ctx, workingDir, name, body)
	if err != nil {
		return Project{}, err
	}
	project.File = path
	return project, nil
}

// ParseProject parses compose content with workingDir as the project directory.
// Variables are interpolated from the process environment.
func ParseProject(ctx context.Context, workingDir, name string, body []byte) (Project, error) {
	if len(body) == 0 {
		return Project{}, errors.New("compose body is empty")
	}

	details := types.ConfigDetails{
		WorkingDir: workingDir,
		ConfigFiles: []types.ConfigFile{
			{
				Filename: filepath.Join(workingDir, "compose.yml"),
				Content:  body,
			},
		},
		Environment: types.NewMapping(os.Environ()),
	}

	projectName := ProjectName(name)
	project, err := loader.LoadWithContext(ctx, details, func(opts *loader.Options) {
		opts.SetProjectName(projectName, true)
	})
	if err != nil {
		return Project{}, fmt.Errorf("load compose: %w", err)
	}
	if len(project.Services) == 0 {
		return Project{}, errors.New("compose has no services")
	}

	fingerprint, err := Fingerprint(body)
	if err != nil {
		return Project{}, err
	}

	result := Project{
		Name:        project.Name,
		WorkingDir:  workingDir,
		Services:    make([]string, 0, len(project.Services)),
		Images:      make(map[string]string, len(project.Services)),
		Fingerprint: fingerprint,
	}
	for serviceName, service := range project.Services {
		if service.Image == "" && service.Build == nil {
			return Project{}, fmt.Errorf("service %q has neither image nor build", serviceName)
		}
		result.Services = append(result.Services, serviceName)
		result.Images[serviceName] = service.Image
	}
	sort.Strings(result.Services)
	return result, nil
}
