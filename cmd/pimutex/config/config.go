// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for pimutex. Each setting is a flag, and may also be set in a TOML file
// passed with --config. Flags set on the command line take precedence over
// the file.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/pimutex/pkg/log"
	"gvisor.dev/pimutex/pkg/rtmutex"
)

// Config holds configuration that is not part of a subcommand.
type Config struct {
	// ConfigFile is the path of a TOML file with more settings.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// DebugLogFormat is the log format for debug logs.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug_log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// MaxLockDepth bounds the number of locks a priority chain walk visits.
	MaxLockDepth int `flag:"max-lock-depth" toml:"max_lock_depth"`

	// SpinLimit bounds the number of spins of an adaptive mutex waiter.
	SpinLimit int `flag:"spin-limit" toml:"spin_limit"`

	// DumpMetrics prints all metrics in Prometheus format when the
	// subcommand exits.
	DumpMetrics bool `flag:"dump-metrics" toml:"dump_metrics"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with configuration settings. Flags override settings from the file.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.Bool("dump-metrics", false, "print all metrics in Prometheus format on exit.")

	// Flags that control mutex behavior.
	flagSet.Int("max-lock-depth", rtmutex.DefaultMaxLockDepth, "maximum number of locks a priority chain walk visits.")
	flagSet.Int("spin-limit", rtmutex.DefaultSpinLimit, "maximum number of times an adaptive mutex waiter spins on a running owner before it sleeps.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, from the TOML file it names.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	}

	if conf.ConfigFile != "" {
		if err := conf.loadFile(flagSet); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// loadFile applies the settings in c.ConfigFile, then reapplies flags that
// were set explicitly.
func (c *Config) loadFile(flagSet *flag.FlagSet) error {
	md, err := toml.DecodeFile(c.ConfigFile, c)
	if err != nil {
		return fmt.Errorf("error reading config file %q: %w", c.ConfigFile, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown settings in config file %q: %s", c.ConfigFile, strings.Join(keys, ", "))
	}

	var setErr error
	flagSet.Visit(func(fl *flag.Flag) {
		if setErr == nil {
			setErr = c.set(fl)
		}
	})
	return setErr
}

// set copies the value of fl to the matching field.
func (c *Config) set(fl *flag.Flag) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok && name == fl.Name {
			obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
			return nil
		}
	}
	return fmt.Errorf("flag %q has no setting", fl.Name)
}

func (c *Config) validate() error {
	switch c.DebugLogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.DebugLogFormat)
	}
	if c.MaxLockDepth < 1 {
		return fmt.Errorf("max-lock-depth must be at least 1, got %d", c.MaxLockDepth)
	}
	if c.SpinLimit < 0 {
		return fmt.Errorf("spin-limit must not be negative, got %d", c.SpinLimit)
	}
	return nil
}

// Apply pushes the mutex settings of c into package rtmutex.
func (c *Config) Apply() {
	rtmutex.SetMaxLockDepth(c.MaxLockDepth)
	rtmutex.SetSpinLimit(c.SpinLimit)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
