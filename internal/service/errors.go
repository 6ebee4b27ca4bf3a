package service

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateService   = errors.New("duplicate service")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrInvalidHealthCheck = errors.New("invalid health check")
	ErrInvalidDefinition  = errors.New("invalid service definition")
)

// ConfigError reports one problem found while loading service definitions.
type ConfigError struct {
	Service string
	Field   string
	Err     error
	Detail  string
}

func (e *ConfigError) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Service != "" {
		return fmt.Sprintf("service %q: %s", e.Service, msg)
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
