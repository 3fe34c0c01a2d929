// Package kvparse parses typed values out of the string-keyed maps that
// flow through the system at its edges, such as a repository's
// assistant-config map read by the Pre-Run Pipeline. Adapted from
// knative-pkg/configmap/parse.go, which parses a Kubernetes ConfigMap's
// string data the same way; the combinator shape carries over unchanged,
// only the source package name and doc comments are domain-specific here.
package kvparse

import (
	"strconv"
	"strings"
	"time"
)

// Parser mutates *target from data[key] if present, or leaves it untouched.
type Parser func(data map[string]string) error

// AsBool parses key as a bool ("true", case-insensitive).
func AsBool(key string, target *bool) Parser {
	return func(data map[string]string) error {
		if raw, ok := data[key]; ok {
			*target = strings.EqualFold(raw, "true")
		}
		return nil
	}
}

// AsInt parses key as a base-10 int.
func AsInt(key string, target *int) Parser {
	return func(data map[string]string) error {
		if raw, ok := data[key]; ok {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return err
			}
			*target = v
		}
		return nil
	}
}

// AsDuration parses key with time.ParseDuration.
func AsDuration(key string, target *time.Duration) Parser {
	return func(data map[string]string) error {
		if raw, ok := data[key]; ok {
			v, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			*target = v
		}
		return nil
	}
}

// AsString copies key verbatim.
func AsString(key string, target *string) Parser {
	return func(data map[string]string) error {
		if raw, ok := data[key]; ok {
			*target = raw
		}
		return nil
	}
}

// Parse applies every parser against data in order, stopping at the first
// error.
func Parse(data map[string]string, parsers ...Parser) error {
	for _, p := range parsers {
		if err := p(data); err != nil {
			return err
		}
	}
	return nil
}
