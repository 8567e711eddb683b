// Package config holds the collector's flags.
//
// Flags come from, in increasing precedence: built-in defaults, a YAML
// file, and an option string in the JVM's -XX: syntax. Every flag
// remembers where its value came from, so that ergonomics can tell a value
// the user chose from one it may adjust.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/shlex"
	"gopkg.in/yaml.v2"

	"github.com/LimeChain/regiongc/internal/gclog"
)

var (
	// ErrInvalidFlags is returned when flag values are inconsistent.
	ErrInvalidFlags = errors.New("invalid flags")
	// ErrUnknownFlag is returned for a flag or option that does not exist.
	ErrUnknownFlag = errors.New("unknown flag")
)

// Origin records where a flag's value came from.
type Origin uint8

const (
	Default Origin = iota
	ConfigFile
	CommandLine
	Ergonomic
)

func (o Origin) String() string {
	switch o {
	case Default:
		return "default"
	case ConfigFile:
		return "config file"
	case CommandLine:
		return "command line"
	case Ergonomic:
		return "ergonomic"
	}
	return fmt.Sprintf("Origin(%d)", uint8(o))
}

// Flags are the tunables of the heap and its collector.
type Flags struct {
	MaxHeapSize     Size `yaml:"MaxHeapSize" validate:"gtefield=InitialHeapSize"`
	InitialHeapSize Size `yaml:"InitialHeapSize" validate:"gtefield=MinHeapSize"`
	MinHeapSize     Size `yaml:"MinHeapSize"`
	NewSize         Size `yaml:"NewSize"`
	MaxNewSize      Size `yaml:"MaxNewSize"`
	OldSize         Size `yaml:"OldSize"`
	NewRatio        uint `yaml:"NewRatio" validate:"gte=1"`
	SurvivorRatio   uint `yaml:"SurvivorRatio" validate:"gte=1"`
	// HeapRegionSize of zero lets the heap pick a size.
	HeapRegionSize               Size `yaml:"HeapRegionSize"`
	GCTimeRatio                  uint `yaml:"GCTimeRatio"`
	MaxGCPauseMillis             uint `yaml:"MaxGCPauseMillis" validate:"gte=1"`
	MinHeapDeltaBytes            Size `yaml:"MinHeapDeltaBytes"`
	MinHeapFreeRatio             uint `yaml:"MinHeapFreeRatio" validate:"lte=100"`
	MaxHeapFreeRatio             uint `yaml:"MaxHeapFreeRatio" validate:"lte=100,gtefield=MinHeapFreeRatio"`
	MaxTenuringThreshold         uint `yaml:"MaxTenuringThreshold" validate:"lte=15"`
	GCLockerRetryAllocationCount uint `yaml:"GCLockerRetryAllocationCount"`
	QueuedAllocationWarningCount uint `yaml:"QueuedAllocationWarningCount"`

	MarkSweepAlwaysCompactCount uint `yaml:"MarkSweepAlwaysCompactCount" validate:"gte=1"`
	MarkSweepDeadRatio          uint `yaml:"MarkSweepDeadRatio" validate:"lte=100"`
	ZapUnusedHeapArea           bool `yaml:"ZapUnusedHeapArea"`

	UseAdaptiveSizePolicy                  bool `yaml:"UseAdaptiveSizePolicy"`
	UseGCOverheadLimit                     bool `yaml:"UseGCOverheadLimit"`
	AdaptiveSizePolicyGCTimeLimitThreshold uint `yaml:"AdaptiveSizePolicyGCTimeLimitThreshold"`
	GCTimeLimit                            uint `yaml:"GCTimeLimit" validate:"lte=100"`
	GCHeapFreeLimit                        uint `yaml:"GCHeapFreeLimit" validate:"lte=100"`
	AdaptiveSizePolicyWeight               uint `yaml:"AdaptiveSizePolicyWeight" validate:"lte=100"`
	SoftRefLRUPolicyMSPerMB                uint `yaml:"SoftRefLRUPolicyMSPerMB"`

	MetaspaceSize    Size `yaml:"MetaspaceSize"`
	MaxMetaspaceSize Size `yaml:"MaxMetaspaceSize" validate:"gtefield=MetaspaceSize"`

	ParallelGCThreads        uint `yaml:"ParallelGCThreads" validate:"gte=1,lte=256"`
	ParGCCardsPerStrideChunk uint `yaml:"ParGCCardsPerStrideChunk" validate:"gte=1"`
	ParGCStridesPerThread    uint `yaml:"ParGCStridesPerThread" validate:"gte=1"`
	RSetSparseLimit          uint `yaml:"RSetSparseLimit" validate:"gte=1"`

	PrintGCDetails bool `yaml:"PrintGCDetails"`
	VerifyBeforeGC bool `yaml:"VerifyBeforeGC"`
	VerifyAfterGC  bool `yaml:"VerifyAfterGC"`

	AdminAddr     string `yaml:"AdminAddr" validate:"omitempty,hostname_port"`
	AdminMaxConns uint   `yaml:"AdminMaxConns"`
}

// Defaults returns the built-in flag values. They suit a simulated heap of
// tens of megabytes.
func Defaults() Flags {
	return Flags{
		MaxHeapSize:                  64 * M,
		InitialHeapSize:              16 * M,
		MinHeapSize:                  8 * M,
		NewRatio:                     2,
		SurvivorRatio:                8,
		GCTimeRatio:                  99,
		MaxGCPauseMillis:             200,
		MinHeapDeltaBytes:            1 * M,
		MinHeapFreeRatio:             40,
		MaxHeapFreeRatio:             70,
		MaxTenuringThreshold:         15,
		GCLockerRetryAllocationCount: 2,

		MarkSweepAlwaysCompactCount: 4,
		MarkSweepDeadRatio:          5,

		UseAdaptiveSizePolicy:                  true,
		UseGCOverheadLimit:                     true,
		AdaptiveSizePolicyGCTimeLimitThreshold: 5,
		GCTimeLimit:                            98,
		GCHeapFreeLimit:                        2,
		AdaptiveSizePolicyWeight:               10,
		SoftRefLRUPolicyMSPerMB:                1000,

		MetaspaceSize:    4 * M,
		MaxMetaspaceSize: 16 * M,

		ParallelGCThreads:        4,
		ParGCCardsPerStrideChunk: 256,
		ParGCStridesPerThread:    2,
		RSetSparseLimit:          32,

		AdminMaxConns: 16,
	}
}

// Config is a set of flags together with their origins.
type Config struct {
	Flags
	origins map[string]Origin
}

var flagType = reflect.TypeOf(Flags{})

// New returns a configuration holding the defaults.
func New() *Config {
	return &Config{Flags: Defaults(), origins: make(map[string]Origin)}
}

// Names returns the names of every flag in declaration order.
func Names() []string {
	names := make([]string, flagType.NumField())
	for i := range names {
		names[i] = flagType.Field(i).Name
	}
	return names
}

func (c *Config) field(name string) (reflect.Value, error) {
	if _, ok := flagType.FieldByName(name); !ok {
		return reflect.Value{}, fmt.Errorf("%w: %s", ErrUnknownFlag, name)
	}
	return reflect.ValueOf(&c.Flags).Elem().FieldByName(name), nil
}

// Origin returns where name's value came from.
func (c *Config) Origin(name string) Origin { return c.origins[name] }

// IsDefault reports whether name still has its built-in value.
func (c *Config) IsDefault(name string) bool { return c.origins[name] == Default }

// IsCommandLine reports whether the user set name on the command line.
func (c *Config) IsCommandLine(name string) bool { return c.origins[name] == CommandLine }

// IsUserSet reports whether name was set in the config file or on the
// command line.
func (c *Config) IsUserSet(name string) bool {
	o := c.origins[name]
	return o == ConfigFile || o == CommandLine
}

// Set parses value and assigns it to name.
func (c *Config) Set(name, value string, origin Origin) error {
	f, err := c.field(name)
	if err != nil {
		return err
	}
	switch f.Interface().(type) {
	case Size:
		v, err := ParseSize(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		f.SetUint(uint64(v))
	case bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		f.SetBool(v)
	case uint:
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		f.SetUint(v)
	case string:
		f.SetString(value)
	default:
		gclog.Fatalf("flag %s has unsupported type %s", name, f.Type())
	}
	c.origins[name] = origin
	return nil
}

// SetErgo assigns a value chosen by ergonomics. v must have the flag's
// type.
func (c *Config) SetErgo(name string, v any) {
	f, err := c.field(name)
	if err != nil {
		gclog.Fatalf("%v", err)
	}
	f.Set(reflect.ValueOf(v).Convert(f.Type()))
	c.origins[name] = Ergonomic
}

// LoadYAML applies the flags in a YAML document. Unknown keys are errors.
func (c *Config) LoadYAML(data []byte) error {
	var keys map[string]interface{}
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for k := range keys {
		if _, err := c.field(k); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if err := yaml.UnmarshalStrict(data, &c.Flags); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for k := range keys {
		c.origins[k] = ConfigFile
	}
	return nil
}

// LoadFile applies the flags in the YAML file at path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return c.LoadYAML(data)
}

// ParseOptions applies a JVM-style option string such as
// "-Xmx64m -XX:NewRatio=3 -XX:+PrintGCDetails". Quoting follows shell
// rules.
func (c *Config) ParseOptions(s string) error {
	args, err := shlex.Split(s)
	if err != nil {
		return fmt.Errorf("options: %w", err)
	}
	for _, arg := range args {
		if err := c.parseOption(arg); err != nil {
			return fmt.Errorf("options: %s: %w", arg, err)
		}
	}
	return nil
}

func (c *Config) parseOption(arg string) error {
	switch {
	case strings.HasPrefix(arg, "-Xmx"):
		return c.Set("MaxHeapSize", arg[4:], CommandLine)
	case strings.HasPrefix(arg, "-Xms"):
		return c.Set("InitialHeapSize", arg[4:], CommandLine)
	case strings.HasPrefix(arg, "-Xmn"):
		if err := c.Set("NewSize", arg[4:], CommandLine); err != nil {
			return err
		}
		return c.Set("MaxNewSize", arg[4:], CommandLine)
	case strings.HasPrefix(arg, "-XX:+"):
		return c.setBool(arg[5:], true)
	case strings.HasPrefix(arg, "-XX:-"):
		return c.setBool(arg[5:], false)
	case strings.HasPrefix(arg, "-XX:"):
		name, value, ok := strings.Cut(arg[4:], "=")
		if !ok {
			return fmt.Errorf("missing value")
		}
		return c.Set(name, value, CommandLine)
	}
	return ErrUnknownFlag
}

func (c *Config) setBool(name string, v bool) error {
	f, err := c.field(name)
	if err != nil {
		return err
	}
	if f.Kind() != reflect.Bool {
		return fmt.Errorf("%s is not a boolean flag", name)
	}
	f.SetBool(v)
	c.origins[name] = CommandLine
	return nil
}

var validate = validator.New()

// Validate checks the flags against each other.
func (c *Config) Validate() error {
	if err := validate.Struct(&c.Flags); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s fails %s %s", fe.Field(), fe.Tag(), fe.Param())
			}
			return fmt.Errorf("%w: %s", ErrInvalidFlags, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidFlags, err)
	}
	return nil
}

// Print writes every flag with its value and origin, one per line.
func (c *Config) Print(w io.Writer) {
	v := reflect.ValueOf(c.Flags)
	for i, name := range Names() {
		fmt.Fprintf(w, "%-40s = %-12v {%s}\n", name, v.Field(i).Interface(), c.Origin(name))
	}
}

// YAML returns the flags as a YAML document LoadYAML accepts.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(&c.Flags)
}
