package pitupdate

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/shlex"
	"github.com/kelseyhightower/envconfig"
	"github.com/t7a/pitupdate/swarm"
)

// EnvPrefix prefixes every environment variable LoadConfig reads, for
// example PITUPDATE_APP_PATH.
const EnvPrefix = "pitupdate"

// DefaultPollInterval bounds how long the check loop waits for the
// ledger to grow before asking again.
const DefaultPollInterval = 30 * time.Second

// Config is everything the updater needs to know about its host.  It
// is built once at startup and never re-read.
type Config struct {
	// Keys maps a platform (runtime.GOOS) to the hex ledger key of the
	// releases for that platform.
	Keys     map[string]string `required:"true"`
	Platform string            // default runtime.GOOS

	Storage  string // default <UserData>/pitupdate/<key>
	UserData string `split_words:"true"`

	Name     string // control socket name; default derived from AppPath
	AppPath  string `split_words:"true"`
	Version  string `default:"0.0.0"`
	Packaged bool
	ExecPath string   `split_words:"true"`
	Args     string   // shell-quoted relaunch arguments
	Argv     []string `ignored:"true"` // parsed Args

	AutoQuit     bool          `split_words:"true" default:"true"`
	AutoDownload bool          `split_words:"true" default:"true"`
	PollInterval time.Duration `split_words:"true" default:"30s"`
	HelperPath   string        `split_words:"true"`

	Peers  []string
	Listen string

	// Quit is called after a successful handoff to the helper when
	// AutoQuit is set.
	Quit func() `ignored:"true"`
}

// LoadConfig reads a Config from PITUPDATE_* environment variables and
// fills in what the host can tell us: the executable, its arguments,
// and the user config directory.
func LoadConfig() (cfg *Config, err error) {
	cfg = &Config{}
	err = envconfig.Process(EnvPrefix, cfg)
	if err != nil {
		return nil, &ConfigurationError{Field: "environment", Reason: err.Error()}
	}
	if cfg.Args != "" {
		cfg.Argv, err = shlex.Split(cfg.Args)
		if err != nil {
			return nil, &ConfigurationError{Field: "Args", Reason: err.Error()}
		}
	} else if len(os.Args) > 1 {
		cfg.Argv = append([]string(nil), os.Args[1:]...)
	}
	if cfg.ExecPath == "" {
		cfg.ExecPath, err = os.Executable()
		if err != nil {
			return nil, &ConfigurationError{Field: "ExecPath", Reason: err.Error()}
		}
	}
	if cfg.AppPath == "" {
		cfg.AppPath = filepath.Dir(cfg.ExecPath)
	}
	if cfg.UserData == "" && cfg.Storage == "" {
		cfg.UserData, err = os.UserConfigDir()
		if err != nil {
			return nil, &ConfigurationError{Field: "UserData", Reason: err.Error()}
		}
	}
	return cfg, nil
}

// Swarm returns the peer network settings.
func (cfg *Config) Swarm() swarm.Config {
	return swarm.Config{Peers: cfg.Peers, Listen: cfg.Listen}
}

// key returns the ledger key for this platform.
func (cfg *Config) key() (key []byte, err error) {
	platform := cfg.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	s, ok := cfg.Keys[platform]
	if !ok || s == "" {
		return nil, &ConfigurationError{Field: "Keys", Reason: "no release key for " + platform}
	}
	key, err = hex.DecodeString(s)
	if err != nil {
		return nil, &ConfigurationError{Field: "Keys", Reason: platform + ": " + err.Error()}
	}
	return
}

// validate fills defaults and checks the fields the updater depends
// on.  It returns the ledger key.
func (cfg *Config) validate() (key []byte, err error) {
	key, err = cfg.key()
	if err != nil {
		return
	}
	if cfg.Version == "" {
		cfg.Version = "0.0.0"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if !cfg.Packaged {
		return
	}
	if cfg.AppPath == "" {
		return nil, &ConfigurationError{Field: "AppPath", Reason: "required for a packaged app"}
	}
	if cfg.ExecPath == "" {
		return nil, &ConfigurationError{Field: "ExecPath", Reason: "required for a packaged app"}
	}
	if cfg.Storage == "" {
		if cfg.UserData == "" {
			return nil, &ConfigurationError{Field: "Storage", Reason: "set Storage or UserData"}
		}
		cfg.Storage = filepath.Join(cfg.UserData, "pitupdate", hex.EncodeToString(key))
	}
	return
}
