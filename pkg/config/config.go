package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "kpmap"
	configDirHidden string = ".kpmap"
	configFile      string = "config.yml"
)

// DefaultTargetRoot is the root walked when page table isolation is active
// and the config file does not choose one. It is a build time setting:
//
//	go build -ldflags "-X github.com/go-delve/kpmap/pkg/config.DefaultTargetRoot=user"
var DefaultTargetRoot = "kernel"

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// TargetRoot selects the page table isolation root that is walked
	// when the mitigation is active: "kernel" or "user".
	TargetRoot string `yaml:"target-root,omitempty"`

	// WalkDelay is waited between resolving the root and walking it.
	WalkDelay time.Duration `yaml:"walk-delay,omitempty"`

	// CachePages is the number of physical pages of an image kept in
	// memory while walking.
	CachePages int `yaml:"cache-pages,omitempty"`
}

// Target returns the configured target root, falling back to
// DefaultTargetRoot.
func (c *Config) Target() string {
	if c.TargetRoot == "" {
		return DefaultTargetRoot
	}
	return c.TargetRoot
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()
	return readConfig(f)
}

// LoadConfigFrom reads the config file at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Config{}, err
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	if t := c.Target(); t != "kernel" && t != "user" {
		return &Config{}, fmt.Errorf("invalid target-root %q, must be kernel or user", t)
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
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for kpmap.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Page table isolation root to walk when the mitigation is active, kernel or user.
# target-root: kernel

# Time to wait between resolving the root and walking it.
# walk-delay: 5s

# Number of image pages cached while walking.
# cache-pages: 1024
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
// $XDG_CONFIG_HOME/kpmap is used when XDG_CONFIG_HOME is set, ~/.kpmap
// otherwise.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return path.Join(xdg, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDirHidden, file), nil
}
