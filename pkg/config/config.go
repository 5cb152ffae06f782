// Package config loads and saves the unwinder tooling configuration
// file. Settings here are defaults; command line flags override them.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".unw"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through
// the config file.
type Config struct {
	// NestedThrowPolicy selects what happens to an exception superseded
	// by a throw during cleanup: "replace" or "chain".
	NestedThrowPolicy string `yaml:"nested-throw-policy"`

	// RegistryBackend selects the registry the walk command replays
	// over: "dynamic" or "static".
	RegistryBackend string `yaml:"registry-backend"`

	// RegistryCacheSize is the size of the dynamic registry's lookup
	// cache.
	RegistryCacheSize *int `yaml:"registry-cache-size,omitempty"`

	// MaxStackDepth is the maximum number of frames the dump and walk
	// commands traverse before giving up.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`

	// TableSearchPaths is the list of directories used to resolve
	// relative unwind table file paths.
	TableSearchPaths []string `yaml:"table-search-paths"`
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

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
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
		`# Configuration file for the unw unwind table tool.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Policy applied when a cleanup routine throws while an unwind is in
# progress. "replace" disposes of the superseded exception, "chain"
# keeps it linked to the new one.
# nested-throw-policy: replace

# Registry backend the walk command replays over. Replayed tables are
# immutable, so "static" works for any scenario; "dynamic" additionally
# exercises the lookup cache.
# registry-backend: dynamic

# Size of the dynamic registry's PC lookup cache.
# registry-cache-size: 128

# Maximum number of frames traversed by the dump and walk commands.
# max-stack-depth: 256

# List of directories to use when resolving relative unwind table paths.
table-search-paths: []
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
