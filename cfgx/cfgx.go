// Package cfgx parses configuration into a struct from multiple sources in a
// predictable precedence order.
//
// Sources are applied lowest priority first: struct tag defaults, then
// environment variables, then docker secrets, then command line flags.
// Struct tags customize field names and mark fields optional.
package cfgx

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strings"
)

const (
	tagEnv         = "env"
	tagFlag        = "flag"
	tagDefault     = "default"
	tagDescription = "desc"     // Description for help messages
	tagOptional    = "optional" // Mark field as optional
	tagShort       = "short"    // Short flag in addition

	tagDockerSecret = "dsec"
)

// Priorities of the built-in sources.
const (
	PriorityDefault = 0
	PriorityEnv     = 50
	PrioritySecrets = 75
	PriorityFlags   = 100
)

var ErrNotPointerToStruct = errors.New("config must be a pointer to a struct")

// Source processes the ConfigField map and applies values to the
// config struct. Choose a priority to process before or after other sources.
type Source interface {
	Priority() int
	Process(map[string]ConfigField) error
}

// Parse populates the config struct from different sources.
// It follows this priority order (highest to lowest):
//
// Command line arguments - 100,
// Docker secrets (when enabled) - 75,
// Environment variables - 50,
// Default values from struct tags - 0
//
// Fields that are already non-zero are left alone.
// Add a top level string field named Version to read the module version
// from the build info into it.
func Parse(cfg any, options Options) error {
	opts := setOptions(options)

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return handleError(opts.ErrorHandling, ErrNotPointerToStruct)
	}

	fields := walkStruct(v.Elem(), "")

	sources := []Source{&defaultSource{priority: PriorityDefault}}
	if !opts.SkipEnv {
		sources = append(sources, &envSource{priority: PriorityEnv, prefix: opts.EnvPrefix})
	}
	if opts.DockerSecrets {
		sources = append(sources, NewDockerSecretsSource())
	}
	if !opts.SkipFlags {
		sources = append(sources, &flagSource{priority: PriorityFlags, opts: opts})
	}
	sources = append(sources, opts.Sources...)

	if version, ok := fields["Version"]; ok && version.Kind == reflect.String {
		version.Value.SetString(buildVersion())
	}

	slices.SortStableFunc(sources, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})

	var errs []error
	for _, source := range sources {
		if err := source.Process(fields); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return err
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return handleError(opts.ErrorHandling, &MultiError{errs})
	}

	if err := validateRequired(fields); err != nil {
		return handleError(opts.ErrorHandling, fmt.Errorf("validation: %w", err))
	}
	return nil
}

func buildVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	return cmp.Or(bi.Main.Version, "(devel)")
}

// ConfigField represents a field in the config struct.
type ConfigField struct {
	Path        string
	Value       reflect.Value
	Kind        reflect.Kind
	Name        string
	StructField reflect.StructField
	Tag         reflect.StructTag
	Description string
}

// walkStruct maps dotted paths to the settable leaf fields of v.
func walkStruct(v reflect.Value, currPath string) map[string]ConfigField {
	fields := map[string]ConfigField{}
	t := v.Type()

	for i := range v.NumField() {
		fieldVal := v.Field(i)
		structField := t.Field(i)
		if !structField.IsExported() || !fieldVal.IsZero() {
			continue
		}

		path := structField.Name
		if currPath != "" {
			path = currPath + "." + structField.Name
		}

		if fieldVal.Kind() == reflect.Struct {
			maps.Copy(fields, walkStruct(fieldVal, path))
			continue
		}

		fields[path] = ConfigField{
			Path:        path,
			Value:       fieldVal,
			Kind:        fieldVal.Kind(),
			Name:        structField.Name,
			StructField: structField,
			Tag:         structField.Tag,
			Description: cmp.Or(structField.Tag.Get(tagDescription), path),
		}
	}
	return fields
}

// validateRequired errors for every non-optional field left at zero.
func validateRequired(fields map[string]ConfigField) error {
	var errs []error
	for _, path := range slices.Sorted(maps.Keys(fields)) {
		field := fields[path]
		if val, ok := field.Tag.Lookup(tagOptional); ok && val != "false" {
			continue
		}
		if field.Value.IsZero() {
			errs = append(errs, fmt.Errorf("%s is required", path))
		}
	}
	if len(errs) > 0 {
		return &MultiError{errs}
	}
	return nil
}

// MultiError collects the errors of every field that failed.
type MultiError struct {
	Errs []error
}

func (e *MultiError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *MultiError) Unwrap() []error {
	return e.Errs
}

// Handle the errors depending on the strategy
func handleError(errHandling flag.ErrorHandling, err error) error {
	switch errHandling {
	case flag.ExitOnError:
		slog.Error("Error parsing config struct.", "error", err)
		os.Exit(1)
	case flag.PanicOnError:
		panic(err)
	}
	return err
}
