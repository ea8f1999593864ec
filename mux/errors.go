package mux

import (
	"errors"
	"fmt"
)

// Code classifies construction failures.
type Code int

const (
	// CodeConfig is a malformed configuration: missing rings, zero burst,
	// credit ceiling out of range, cnc not in BOOT.
	CodeConfig Code = iota + 1

	// CodeResource is a configured bound that was exceeded.
	CodeResource
)

func (c Code) String() string {
	switch c {
	case CodeConfig:
		return "config"
	case CodeResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	ErrConfig   = errors.New("mux: invalid configuration")
	ErrResource = errors.New("mux: resource bound exceeded")
)

// ConfigError reports why a mux refused to boot.
type ConfigError struct {
	Code  Code
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mux: %s: %s", e.Field, e.Msg)
}

// Unwrap lets callers test the class with errors.Is.
func (e *ConfigError) Unwrap() error {
	if e.Code == CodeResource {
		return ErrResource
	}
	return ErrConfig
}

func configErr(field, format string, args ...any) error {
	return &ConfigError{Code: CodeConfig, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func resourceErr(field, format string, args ...any) error {
	return &ConfigError{Code: CodeResource, Field: field, Msg: fmt.Sprintf(format, args...)}
}
