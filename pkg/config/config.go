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
	configDir  string = ".dlock"
	// ConfigFile is the name of the configuration file.
	ConfigFile string = "config.yml"
)

const (
	// DefaultDebugger is the debugger command line used when none is configured.
	DefaultDebugger = "gdb"
	// DefaultCommandTimeout bounds how long a single debugger command may run.
	DefaultCommandTimeout = 30 * time.Second
	// DefaultFunctionCacheSize is the number of function names whose
	// classification is remembered during a run.
	DefaultFunctionCacheSize = 512
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Debugger is the command line used to start the debugger, the binary
	// and the target are appended to it. Quoting follows shell rules.
	Debugger string `yaml:"debugger,omitempty"`

	// DebugInfoDirectories is the list of directories the debugger will use
	// in order to resolve external debug info files.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`

	// LockFunctions maps additional blocking function names to the kind of
	// lock they acquire ("mutex" or "rwlock"). The lock address must be
	// visible in the frame arguments.
	LockFunctions map[string]string `yaml:"lock-functions"`

	// CommandTimeout is the maximum time a single debugger command may
	// take, expressed as a Go duration ("30s", "2m").
	CommandTimeout string `yaml:"command-timeout,omitempty"`

	// FunctionCacheSize is the number of backtrace function names whose
	// lock signature lookup is cached.
	FunctionCacheSize *int `yaml:"function-cache-size,omitempty"`

	// Color selects when the report is colorized: auto, always or never.
	Color string `yaml:"color,omitempty"`
}

// GetDebugger returns the configured debugger command line or the default.
func (c *Config) GetDebugger() string {
	if c == nil || c.Debugger == "" {
		return DefaultDebugger
	}
	return c.Debugger
}

// GetCommandTimeout parses CommandTimeout, falling back to
// DefaultCommandTimeout if it is unset.
func (c *Config) GetCommandTimeout() (time.Duration, error) {
	if c == nil || c.CommandTimeout == "" {
		return DefaultCommandTimeout, nil
	}
	d, err := time.ParseDuration(c.CommandTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid command-timeout %q: %v", c.CommandTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid command-timeout %q: must be positive", c.CommandTimeout)
	}
	return d, nil
}

// GetFunctionCacheSize returns the configured function cache size or the
// default.
func (c *Config) GetFunctionCacheSize() int {
	if c == nil || c.FunctionCacheSize == nil || *c.FunctionCacheSize <= 0 {
		return DefaultFunctionCacheSize
	}
	return *c.FunctionCacheSize
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(ConfigFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

func readConfig(f *os.File) (*Config, error) {
	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(ConfigFile)
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
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for dlock.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Command line used to start the debugger. The binary and the pid or core
# file are appended to it.
# debugger: "gdb -iex 'set auto-load safe-path /'"

# Maximum time a single debugger command may take before the analysis is
# aborted.
# command-timeout: 30s

# Number of backtrace function names whose classification is cached during
# a run.
# function-cache-size: 512

# When to colorize the report: auto, always or never.
# color: auto

# Additional functions that block acquiring a lock, mapped to the lock kind
# (mutex or rwlock). A name ending in * matches every function starting with
# the rest of the name.
lock-functions:
  # my_spin_lock: mutex
  # "rw_enter_*": rwlock

# List of directories to use when searching for separate debug info files.
debug-info-directories: ["/usr/lib/debug"]
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
	if configPath := os.Getenv("DLOCK_CONFIG_DIR"); configPath != "" {
		return path.Join(configPath, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
