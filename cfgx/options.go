package cfgx

import (
	"flag"
	"os"
)

// Options holds options for the Parse function.
type Options struct {
	// ProgramName is the name of the running program (defaults to os.Args[0]).
	ProgramName string
	// EnvPrefix adds a prefix to environment variable lookups.
	EnvPrefix string
	// SkipFlags ignores command line flags.
	SkipFlags bool
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// DockerSecrets reads files under /run/secrets.
	DockerSecrets bool
	// Args provides command line arguments (defaults to os.Args[1:]).
	Args []string
	// ErrorHandling determines how parsing errors are handled.
	ErrorHandling flag.ErrorHandling
	// Sources adds additional sources.
	Sources []Source
}

// DefaultConfigOptions are the default set of configuration options.
// Each option can be overridden.
var DefaultConfigOptions = Options{
	ProgramName:   os.Args[0],
	Args:          os.Args[1:],
	ErrorHandling: flag.ContinueOnError,
}

func setOptions(options Options) Options {
	opts := DefaultConfigOptions

	// Only override non-zero values from the provided options
	if options.ProgramName != "" {
		opts.ProgramName = options.ProgramName
	}
	if options.EnvPrefix != "" {
		opts.EnvPrefix = options.EnvPrefix
	}
	opts.SkipFlags = options.SkipFlags
	opts.SkipEnv = options.SkipEnv
	opts.DockerSecrets = options.DockerSecrets
	if options.Args != nil {
		opts.Args = options.Args
	}
	if options.ErrorHandling != flag.ContinueOnError {
		opts.ErrorHandling = options.ErrorHandling
	}
	opts.Sources = options.Sources
	return opts
}
