package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".idb"
	configFile string = "config.yml"
)

const (
	// DefaultEvalTimeout is the wall-clock budget of an injected function call.
	DefaultEvalTimeout = 5 * time.Second
	// DefaultWaitTimeout is how long synchronous operations wait for the
	// process to stop.
	DefaultWaitTimeout = 10 * time.Second
	// DefaultMaxStringLen is the maximum length of a C string read from the
	// inferior when rendering values.
	DefaultMaxStringLen = 256
)

// SignalHandling describes what the debugger does when the inferior
// receives a signal.
type SignalHandling struct {
	// Stop is true if the process should stop when the signal is received.
	Stop *bool `yaml:"stop,omitempty"`
	// Pass is true if the signal should be delivered to the inferior once it
	// resumes.
	Pass *bool `yaml:"pass,omitempty"`
	// Notify is true if a notification event should be broadcast when the
	// signal is received without stopping.
	Notify *bool `yaml:"notify,omitempty"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// EvalTimeout is the maximum amount of time an expression evaluation
	// that injects a function call may run before it is aborted.
	EvalTimeout time.Duration `yaml:"eval-timeout,omitempty"`

	// WaitTimeout is the maximum amount of time the terminal waits for the
	// target to stop after continue, stepi or halt.
	WaitTimeout time.Duration `yaml:"wait-timeout,omitempty"`

	// MaxStringLen is the maximum string length read when rendering values.
	MaxStringLen *int `yaml:"max-string-len,omitempty"`

	// Signals overrides the default disposition of signals, keyed by name
	// (for example SIGUSR1).
	Signals map[string]SignalHandling `yaml:"signals,omitempty"`

	// ImageSearchPath is the list of directories used to resolve image
	// names passed to exec, spawn and attach.
	ImageSearchPath []string `yaml:"image-search-path"`

	// Source list line-number color (3/4 bit color codes as defined
	// here: https://en.wikipedia.org/wiki/ANSI_escape_code#Colors)
	SourceListLineColor int `yaml:"source-list-line-color"`
}

// GetEvalTimeout returns the configured evaluation timeout or the default.
func (c *Config) GetEvalTimeout() time.Duration {
	if c == nil || c.EvalTimeout <= 0 {
		return DefaultEvalTimeout
	}
	return c.EvalTimeout
}

// GetWaitTimeout returns the configured wait timeout or the default.
func (c *Config) GetWaitTimeout() time.Duration {
	if c == nil || c.WaitTimeout <= 0 {
		return DefaultWaitTimeout
	}
	return c.WaitTimeout
}

// GetMaxStringLen returns the configured maximum string length or the default.
func (c *Config) GetMaxStringLen() int {
	if c == nil || c.MaxStringLen == nil || *c.MaxStringLen <= 0 {
		return DefaultMaxStringLen
	}
	return *c.MaxStringLen
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); err != nil {
		f, err := createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
		f.Close()
	}

	c, err := LoadConfigFrom(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads and decodes the configuration file at path.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the idb debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Uncomment the following line and set your preferred ANSI foreground color
# for source line numbers in the (list) command (if unset, default is 34,
# dark blue) See https://en.wikipedia.org/wiki/ANSI_escape_code#3/4_bit
# source-list-line-color: 34

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Maximum time an injected function call may run.
# eval-timeout: 5s

# Maximum time the terminal waits for the target to stop.
# wait-timeout: 10s

# Maximum loaded string length.
# max-string-len: 256

# Per-signal handling, overriding the defaults.
# signals:
#   SIGUSR1: {stop: false, pass: true, notify: true}

# Directories searched for images passed to exec, spawn and attach.
image-search-path: ["."]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
