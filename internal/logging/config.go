package logging

import (
	"os"
	"strings"
	"sync"

	logs "github.com/danmuck/smplog"
)

const (
	EnvLogConfig = "SERIALSYNC_LOG_CONFIG"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// runtimeCandidates are tried in order when EnvLogConfig is unset.
var runtimeCandidates = []string{
	"./smplog.config.toml",
	"./local/smplog.config.toml",
}

var configureOnce sync.Once

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	configureOnce.Do(func() {
		logs.Configure(Load(profile))
	})
}

// Load resolves the smplog config for profile without applying it.
func Load(profile Profile) logs.Config {
	if path := strings.TrimSpace(os.Getenv(EnvLogConfig)); path != "" {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}
	if profile == ProfileTest {
		return logs.DefaultConfig()
	}
	for _, path := range runtimeCandidates {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}
	return logs.DefaultConfig()
}
