// Package config reads and writes the serialsync TOML file.
//
// Loading overlays only the keys present in the file onto a base
// configuration, so defaults and command line flags compose. Rendering goes
// the other way and emits every key of a resolved configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	tomlv2 "github.com/pelletier/go-toml/v2"

	"github.com/danmuck/serialsync/internal/service"
)

type RedisSection struct {
	Addr     string `toml:"addr"`
	DB       int    `toml:"db"`
	Password string `toml:"password"`
}

type LinkSection struct {
	ReadPoll       string `toml:"read_poll"`
	IdleTimeout    string `toml:"idle_timeout"`
	Heartbeat      string `toml:"heartbeat"`
	FlushInterval  string `toml:"flush_interval"`
	PendingQueue   int    `toml:"pending_queue"`
	BackoffInitial string `toml:"backoff_initial"`
	BackoffMax     string `toml:"backoff_max"`
	BackoffJitter  bool   `toml:"backoff_jitter"`
	StableAfter    string `toml:"stable_after"`
}

// File is the on-disk layout. Durations are Go duration strings.
type File struct {
	Node              string       `toml:"node"`
	Remote            string       `toml:"remote"`
	Device            string       `toml:"device"`
	Baud              int          `toml:"baud"`
	Backend           string       `toml:"backend"`
	Watch             string       `toml:"watch"`
	PollInterval      string       `toml:"poll_interval"`
	ConfigureKeyspace bool         `toml:"configure_keyspace"`
	MaxPayloadBytes   int          `toml:"max_payload_bytes"`
	StatusInterval    string       `toml:"status_interval"`
	AdminListen       string       `toml:"admin_listen"`
	CORSOrigins       []string     `toml:"cors_origins"`
	Redis             RedisSection `toml:"redis"`
	Link              LinkSection  `toml:"link"`
}

// Load overlays the keys present in path onto cfg. Unknown keys are errors.
func Load(path string, cfg service.ServiceConfig) (service.ServiceConfig, error) {
	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return service.ServiceConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return service.ServiceConfig{}, fmt.Errorf("config load failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("node") {
		cfg.LocalNode = strings.TrimSpace(raw.Node)
	}
	if meta.IsDefined("remote") {
		cfg.Peer = strings.TrimSpace(raw.Remote)
	}
	if meta.IsDefined("device") {
		cfg.Device = strings.TrimSpace(raw.Device)
	}
	if meta.IsDefined("baud") {
		cfg.Baud = raw.Baud
	}
	if meta.IsDefined("backend") {
		cfg.Backend = service.Backend(strings.TrimSpace(raw.Backend))
	}
	if meta.IsDefined("watch") {
		cfg.WatchMode = service.WatchMode(strings.TrimSpace(raw.Watch))
	}
	if meta.IsDefined("configure_keyspace") {
		cfg.ConfigureKeyspace = raw.ConfigureKeyspace
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("admin_listen") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = NormalizeList(raw.CORSOrigins)
	}

	if meta.IsDefined("redis", "addr") {
		cfg.Redis.Addr = strings.TrimSpace(raw.Redis.Addr)
	}
	if meta.IsDefined("redis", "db") {
		cfg.Redis.DB = raw.Redis.DB
	}
	if meta.IsDefined("redis", "password") {
		cfg.Redis.Password = raw.Redis.Password
	}

	if meta.IsDefined("link", "pending_queue") {
		cfg.Link.PendingQueueSize = raw.Link.PendingQueue
	}
	if meta.IsDefined("link", "backoff_jitter") {
		cfg.Link.Backoff.Jitter = raw.Link.BackoffJitter
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"poll_interval"}, raw.PollInterval, &cfg.PollInterval},
		{[]string{"status_interval"}, raw.StatusInterval, &cfg.StatusInterval},
		{[]string{"link", "read_poll"}, raw.Link.ReadPoll, &cfg.Link.ReadPollInterval},
		{[]string{"link", "idle_timeout"}, raw.Link.IdleTimeout, &cfg.Link.IdleTimeout},
		{[]string{"link", "heartbeat"}, raw.Link.Heartbeat, &cfg.Link.HeartbeatInterval},
		{[]string{"link", "flush_interval"}, raw.Link.FlushInterval, &cfg.Link.FlushInterval},
		{[]string{"link", "backoff_initial"}, raw.Link.BackoffInitial, &cfg.Link.Backoff.InitialDelay},
		{[]string{"link", "backoff_max"}, raw.Link.BackoffMax, &cfg.Link.Backoff.MaxDelay},
		{[]string{"link", "stable_after"}, raw.Link.StableAfter, &cfg.Link.Backoff.StableAfter},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return service.ServiceConfig{}, fmt.Errorf("config parse failed (%s): %s: %w", path, strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// FromService is the inverse of Load for a fully resolved configuration.
func FromService(cfg service.ServiceConfig) File {
	origins := cfg.CORSOrigins
	if origins == nil {
		origins = []string{}
	}
	return File{
		Node:              cfg.LocalNode,
		Remote:            cfg.Peer,
		Device:            cfg.Device,
		Baud:              cfg.Baud,
		Backend:           string(cfg.Backend),
		Watch:             string(cfg.WatchMode),
		PollInterval:      cfg.PollInterval.String(),
		ConfigureKeyspace: cfg.ConfigureKeyspace,
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		StatusInterval:    cfg.StatusInterval.String(),
		AdminListen:       cfg.AdminListenAddr,
		CORSOrigins:       origins,
		Redis: RedisSection{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		},
		Link: LinkSection{
			ReadPoll:       cfg.Link.ReadPollInterval.String(),
			IdleTimeout:    cfg.Link.IdleTimeout.String(),
			Heartbeat:      cfg.Link.HeartbeatInterval.String(),
			FlushInterval:  cfg.Link.FlushInterval.String(),
			PendingQueue:   cfg.Link.PendingQueueSize,
			BackoffInitial: cfg.Link.Backoff.InitialDelay.String(),
			BackoffMax:     cfg.Link.Backoff.MaxDelay.String(),
			BackoffJitter:  cfg.Link.Backoff.Jitter,
			StableAfter:    cfg.Link.Backoff.StableAfter.String(),
		},
	}
}

// Render encodes every key of cfg. The output loads back to the same value.
func Render(cfg service.ServiceConfig) ([]byte, error) {
	out, err := tomlv2.Marshal(FromService(cfg))
	if err != nil {
		return nil, fmt.Errorf("config render failed: %w", err)
	}
	return out, nil
}

// WriteRendered writes Render(cfg) to path.
func WriteRendered(path string, cfg service.ServiceConfig, overwrite bool) error {
	out, err := Render(cfg)
	if err != nil {
		return err
	}
	return writeFile(path, out, overwrite)
}

func writeFile(path string, data []byte, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

func NormalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
