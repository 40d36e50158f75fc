package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// dangerousChars are rejected in hosts and paths handed to other programs.
var dangerousChars = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	var errs []error

	errs = append(errs, validatePorts(config)...)

	for field, host := range map[string]string{
		"server.host": config.Server.Host,
		"proxy.host":  config.Proxy.Host,
	} {
		if err := validateHost(field, host); err != nil {
			errs = append(errs, err)
		}
	}

	for field, path := range map[string]string{
		"server.static_dir": config.Server.StaticDir,
		"server.views_dir":  config.Server.ViewsDir,
		"server.template":   config.Server.Template,
		"build.output":      config.Build.Output,
	} {
		if err := validatePath(field, path); err != nil {
			errs = append(errs, err)
		}
	}

	if !strings.HasPrefix(config.Server.StaticPrefix, "/") {
		errs = append(errs, &ValidationError{
			Field:       "server.static_prefix",
			Value:       config.Server.StaticPrefix,
			Message:     "must start with /",
			Suggestions: []string{"use /static"},
		})
	}

	if strings.TrimSpace(config.Build.Command) == "" {
		errs = append(errs, &ValidationError{
			Field:       "build.command",
			Message:     "build command cannot be empty",
			Suggestions: []string{"set build.command to the compiler binary, e.g. elm"},
		})
	}

	if len(config.Build.Sources) == 0 {
		errs = append(errs, &ValidationError{
			Field:       "build.sources",
			Message:     "at least one source pattern is required",
			Suggestions: []string{"add a glob such as elm/**/*.elm"},
		})
	}

	if config.Supervisor.RestartDelay < 0 || config.Supervisor.StopTimeout < 0 || config.Watch.Debounce < 0 {
		errs = append(errs, &ValidationError{
			Field:   "durations",
			Message: "restart_delay, stop_timeout and debounce cannot be negative",
		})
	}

	return errors.Join(errs...)
}

func validatePorts(config *Config) []error {
	var errs []error

	ports := []struct {
		field string
		port  int
	}{
		{"server.port", config.Server.Port},
		{"proxy.port", config.Proxy.Port},
		{"proxy.ui_port", config.Proxy.UIPort},
	}

	seen := make(map[int]string)
	for _, p := range ports {
		// 0 asks the system for a free port, which tests rely on
		if p.port < 0 || p.port > 65535 {
			errs = append(errs, &ValidationError{
				Field:   p.field,
				Value:   p.port,
				Message: fmt.Sprintf("port %d is not in valid range 0-65535", p.port),
			})
			continue
		}
		if p.port == 0 {
			continue
		}
		if other, ok := seen[p.port]; ok {
			errs = append(errs, &ValidationError{
				Field:       p.field,
				Value:       p.port,
				Message:     fmt.Sprintf("port %d is already used by %s", p.port, other),
				Suggestions: []string{"every listener needs its own port"},
			})
			continue
		}
		seen[p.port] = p.field
	}

	return errs
}

func validateHost(field, host string) error {
	if host == "" {
		return nil
	}
	for _, char := range append(dangerousChars, "\\", "/") {
		if strings.Contains(host, char) {
			return &ValidationError{
				Field:   field,
				Value:   host,
				Message: fmt.Sprintf("host contains dangerous character: %s", char),
			}
		}
	}
	return nil
}

// validatePath validates a file path for security
func validatePath(field, path string) error {
	if path == "" {
		return &ValidationError{Field: field, Message: "empty path"}
	}

	cleanPath := filepath.Clean(path)
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return &ValidationError{
			Field:   field,
			Value:   path,
			Message: fmt.Sprintf("path contains traversal: %s", path),
		}
	}

	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return &ValidationError{
				Field:   field,
				Value:   path,
				Message: fmt.Sprintf("path contains dangerous character: %s", char),
			}
		}
	}

	return nil
}
