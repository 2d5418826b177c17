package cfgx

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/erlorenz/rtmux/cfgx/internal/casing"
)

const (
	dockerPath    = "/run/secrets"
	maxSecretSize = 1 << 20 // 1MB - max size for secret files
)

// sortedFields returns the fields in path order so errors are stable.
func sortedFields(fields map[string]ConfigField) []ConfigField {
	out := make([]ConfigField, 0, len(fields))
	for _, path := range slices.Sorted(maps.Keys(fields)) {
		out = append(out, fields[path])
	}
	return out
}

// Default ===================================================================
type defaultSource struct {
	priority int
}

func (s *defaultSource) Priority() int {
	return s.priority
}

func (s *defaultSource) Process(fields map[string]ConfigField) error {
	var errs []error
	for _, field := range sortedFields(fields) {
		defVal, ok := field.Tag.Lookup(tagDefault)
		if !ok {
			continue
		}
		if err := setValue(field, defVal); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &MultiError{errs}
	}
	return nil
}

// Env ====================================================================
type envSource struct {
	priority int
	prefix   string
}

func (s *envSource) Priority() int {
	return s.priority
}

func (s *envSource) Process(fields map[string]ConfigField) error {
	var errs []error
	for _, field := range sortedFields(fields) {
		envName := casing.ToScreamingSnake(field.Path)
		if s.prefix != "" {
			envName = s.prefix + "_" + envName
		}
		// The tag is used as is, without the prefix.
		if tagVal, ok := field.Tag.Lookup(tagEnv); ok {
			envName = tagVal
		}

		envVal, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		if err := setValue(field, envVal); err != nil {
			errs = append(errs, fmt.Errorf("env %s: %w", envName, err))
		}
	}
	if len(errs) > 0 {
		return &MultiError{errs}
	}
	return nil
}

// Flag ===================================================================
type flagSource struct {
	priority int
	opts     Options
}

func (s *flagSource) Priority() int {
	return s.priority
}

func (s *flagSource) Process(fields map[string]ConfigField) error {
	// Errors are returned to Parse, which applies the error handling.
	flags := flag.NewFlagSet(s.opts.ProgramName, flag.ContinueOnError)

	for _, field := range sortedFields(fields) {
		flagName := casing.ToKebab(field.Path)
		if tagVal, ok := field.Tag.Lookup(tagFlag); ok {
			flagName = tagVal
		}

		value := &flagValue{field: field}
		flags.Var(value, flagName, field.Description)
		if short := field.Tag.Get(tagShort); short != "" {
			flags.Var(value, short, field.Description)
		}
	}

	if err := flags.Parse(s.opts.Args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("failed parsing flags: %w", err)
	}
	return nil
}

// ====================================================================
// Docker Secrets

// DockerSecretsSource wraps a [FileContentSource].
// It reads the docker secret file at “/run/secrets/<secret_name>“.
// It defaults to snake case based on the struct path.
// Override the name with the tag "dsec".
type DockerSecretsSource struct {
	SecretsPath string
	FileContentSource
}

// Process opens an [os.Root] and calls the underlying [FileContentSource]'s
// Process method with the [os.Root.FS]. A missing secrets directory is not
// an error.
func (s *DockerSecretsSource) Process(fields map[string]ConfigField) error {
	root, err := os.OpenRoot(s.SecretsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open docker path: %w", err)
	}
	defer root.Close()

	s.FileContentSource.FS = root.FS()
	return s.FileContentSource.Process(fields)
}

// NewDockerSecretsSource sets a priority of PrioritySecrets (75), a tag of "dsec",
// and a secrets path of `/run/secrets`.
func NewDockerSecretsSource() *DockerSecretsSource {
	return &DockerSecretsSource{
		SecretsPath: dockerPath,
		FileContentSource: FileContentSource{
			PriorityLevel: PrioritySecrets,
			Tag:           tagDockerSecret,
			// Assign the fs.FS in the Process method so we can use os.Root.
		},
	}
}

// FileContentSource reads one file per field from FS.
// The file name defaults to the snake case struct path and is overridden
// with Tag.
type FileContentSource struct {
	PriorityLevel int
	Tag           string
	FS            fs.FS
}

// Priority implements [Source].
func (s *FileContentSource) Priority() int {
	return s.PriorityLevel
}

// Process implements [Source].
func (s *FileContentSource) Process(fields map[string]ConfigField) error {
	if s.FS == nil {
		return fmt.Errorf("process FileContentSource: fs.FS cannot be nil")
	}

	var errs []error
	for _, field := range sortedFields(fields) {
		name := casing.ToSnake(field.Path)
		if tagVal, ok := field.Tag.Lookup(s.Tag); ok {
			name = tagVal
		}

		val, found, err := readSecret(s.FS, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !found {
			continue
		}
		if err := setValue(field, val); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &MultiError{errs}
	}
	return nil
}

func readSecret(fsys fs.FS, name string) (string, bool, error) {
	file, err := fsys.Open(name)
	if err != nil {
		return "", false, nil
	}
	defer file.Close()

	// Limit read size to prevent memory exhaustion
	b, err := io.ReadAll(io.LimitReader(file, maxSecretSize+1))
	if err != nil {
		return "", false, fmt.Errorf("cannot read file %s: %w", name, err)
	}
	if len(b) > maxSecretSize {
		return "", false, fmt.Errorf("file %s exceeds max size of %d bytes", name, maxSecretSize)
	}
	return strings.TrimSpace(string(b)), true, nil
}
