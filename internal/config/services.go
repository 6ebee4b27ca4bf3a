package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nholik/stackpilot/internal/service"
	"gopkg.in/yaml.v3"
)

// ReadServices parses the services document at path. The raw bytes are
// returned alongside so callers can fingerprint the content.
func ReadServices(path string) (service.Document, []byte, error) {
	if path == "" {
		return service.Document{}, nil, errors.New("services file path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return service.Document{}, nil, fmt.Errorf("read services file: %w", err)
	}

	doc, err := ParseServices(data)
	if err != nil {
		return service.Document{}, nil, err
	}
	return doc, data, nil
}

// ParseServices decodes a services document. Unknown fields are rejected.
func ParseServices(data []byte) (service.Document, error) {
	var doc service.Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return service.Document{}, errors.New("services file is empty")
		}
		return service.Document{}, fmt.Errorf("parse services file: %w", err)
	}
	return doc, nil
}
