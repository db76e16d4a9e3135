// Package config holds the analyzer options and the user-provided lock
// library model, loaded from a YAML file.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/akerouanton/lockgraph/pkg/ir"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxAliasIterations bounds the interprocedural alias refinement.
	DefaultMaxAliasIterations = 3
	// DefaultMaxDataflowPasses bounds the interprocedural lock-set sweeps.
	DefaultMaxDataflowPasses = 3
)

// Config is the analyzer configuration. Fields missing from the file keep
// their default value.
type Config struct {
	Options `yaml:",inline"`

	// Library extends the built-in lock library model.
	Library Library `yaml:"library"`

	// Log receives the analyzer's log. It is built from LogLevel when nil.
	Log logrus.FieldLogger `yaml:"-"`

	// Output receives the debug dumps selected by the Emit* options.
	Output io.Writer `yaml:"-"`

	sourceFile string
}

// Options are the scalar settings of the analyzer.
type Options struct {
	// MaxAliasIterations bounds the rounds of argument/parameter unification.
	MaxAliasIterations int `yaml:"max-alias-iterations"`

	// MaxDataflowPasses bounds the sweeps of the lock-set analysis over the
	// call graph.
	MaxDataflowPasses int `yaml:"max-dataflow-passes"`

	// LogLevel is a logrus level name ("debug", "info", "warning", ...).
	LogLevel string `yaml:"log-level"`

	EmitCallGraph     bool `yaml:"emit-call-graph"`
	EmitAliasGraph    bool `yaml:"emit-alias-graph"`
	EmitLockSummaries bool `yaml:"emit-lock-summaries"`
	EmitLockGraph     bool `yaml:"emit-lock-graph"`
}

// Library lists additional lock, guard and shared pointer types and
// classifies additional library calls. Calls maps a callee path to a kind
// such as "acquire" or "release".
type Library struct {
	LockTypes          []string          `yaml:"lock-types"`
	GuardTypes         []string          `yaml:"guard-types"`
	SharedPointerTypes []string          `yaml:"shared-pointer-types"`
	Calls              map[string]string `yaml:"calls"`
}

// NewDefault returns the default configuration.
func NewDefault() *Config {
	return &Config{
		Options: Options{
			MaxAliasIterations: DefaultMaxAliasIterations,
			MaxDataflowPasses:  DefaultMaxDataflowPasses,
			LogLevel:           logrus.WarnLevel.String(),
		},
	}
}

// Load reads a configuration from a file.
func Load(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	cfg.sourceFile = filename
	return cfg, nil
}

// Parse decodes a YAML configuration on top of the defaults and validates it.
func Parse(b []byte) (*Config, error) {
	cfg := NewDefault()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SourceFile returns the file the configuration was loaded from, if any.
func (c *Config) SourceFile() string { return c.sourceFile }

// Validate checks option ranges, the log level, and every call kind.
func (c *Config) Validate() error {
	if c.MaxAliasIterations <= 0 {
		return fmt.Errorf("max-alias-iterations must be positive, got %d", c.MaxAliasIterations)
	}
	if c.MaxDataflowPasses <= 0 {
		return fmt.Errorf("max-dataflow-passes must be positive, got %d", c.MaxDataflowPasses)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	for path, kind := range c.Library.Calls {
		if _, err := ir.ParseCallKind(kind); err != nil {
			return fmt.Errorf("library call %s: %w", path, err)
		}
	}
	return nil
}

// Oracle returns base extended with the library entries. Calls must have
// passed Validate.
func (c *Config) Oracle(base *ir.NameOracle) *ir.NameOracle {
	ext := &ir.NameOracle{
		LockTypes:          c.Library.LockTypes,
		GuardTypes:         c.Library.GuardTypes,
		SharedPointerTypes: c.Library.SharedPointerTypes,
		Calls:              make(map[string]ir.CallKind, len(c.Library.Calls)),
	}
	for path, kind := range c.Library.Calls {
		k, _ := ir.ParseCallKind(kind)
		ext.Calls[path] = k
	}
	return base.Extend(ext)
}

// Logger returns c.Log, building a logger on stderr at LogLevel when unset.
// Colours are only enabled when stderr is a terminal.
func (c *Config) Logger() logrus.FieldLogger {
	if c.Log != nil {
		return c.Log
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	c.Log = &logrus.Logger{
		Out: os.Stderr,
		Formatter: &logrus.TextFormatter{
			DisableColors:    !term.IsTerminal(int(os.Stderr.Fd())),
			DisableTimestamp: true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: level,
	}
	return c.Log
}

// DumpWriter returns the destination of the debug dumps.
func (c *Config) DumpWriter() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stderr
}

// Emits reports whether any debug dump is enabled.
func (c *Config) Emits() bool {
	return c.EmitCallGraph || c.EmitAliasGraph || c.EmitLockSummaries || c.EmitLockGraph
}
