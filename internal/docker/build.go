package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/nholik/stackpilot/internal/service"
)

const (
	defaultDockerfile = "Dockerfile"
	serviceLabel      = "io.stackpilot.service"
)

// buildImage builds the image of def from its working path and returns the tag.
func (d *ContainerDriver) buildImage(ctx context.Context, def service.Definition) (string, error) {
	tag := def.Name + ":latest"
	if _, err := os.Stat(filepath.Join(def.WorkingPath, defaultDockerfile)); err != nil {
		return "", fmt.Errorf("build %s: %w", tag, err)
	}

	buildContext, err := tarDirectory(def.WorkingPath)
	if err != nil {
		return "", fmt.Errorf("pack build context %s: %w", def.WorkingPath, err)
	}

	resp, err := d.client.api.ImageBuild(ctx, buildContext, dockertypes.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  defaultDockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{serviceLabel: def.Name},
	})
	if err != nil {
		return "", fmt.Errorf("build %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if err := readBuildOutput(resp.Body); err != nil {
		return "", fmt.Errorf("build %s: %w", tag, err)
	}
	return tag, nil
}

type buildMessage struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// readBuildOutput drains the daemon's build stream. A failed build still
// answers 200; the failure arrives as an error message in the stream.
func readBuildOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	last := ""
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read build output: %w", err)
		}
		if msg.Error != "" {
			if last != "" {
				return fmt.Errorf("%s (after: %s)", msg.Error, last)
			}
			return errors.New(msg.Error)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			last = line
		}
	}
}

// tarDirectory packs dir into an uncompressed tar stream with paths relative
// to dir.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
