package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/remoterc/internal/archive"
	"github.com/danmuck/remoterc/internal/cache"
	"github.com/danmuck/remoterc/internal/client"
	"github.com/danmuck/remoterc/internal/dispatch"
	"github.com/danmuck/remoterc/internal/server"
	"github.com/danmuck/remoterc/internal/toolchain"
)

var ErrInvalid = errors.New("config: invalid")

// ServerConfig is everything rrcd needs to start.
type ServerConfig struct {
	CacheDir  string
	Listen    server.Config
	Dispatch  dispatch.Config
	Toolchain toolchain.CargoConfig
}

// ClientConfig is everything rrc needs for one build.
type ClientConfig struct {
	CacheDir string
	Build    client.Config
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		CacheDir: cache.DefaultRoot(),
		Listen:   server.DefaultConfig(),
		Dispatch: dispatch.Config{
			DefaultTarget:  dispatch.DefaultTarget,
			MaxUnpackBytes: archive.DefaultMaxExtractBytes,
		},
		Toolchain: toolchain.DefaultCargoConfig(),
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CacheDir: cache.DefaultRoot(),
		Build:    client.DefaultConfig(),
	}
}

// rrcd.toml keys.
type serverFile struct {
	NodeName              string   `toml:"node_name"`
	Port                  int      `toml:"port"`
	IPv4Addr              string   `toml:"ipv4_addr"`
	IPv6Addr              string   `toml:"ipv6_addr"`
	CacheDir              string   `toml:"cache_dir"`
	DefaultTarget         string   `toml:"default_target"`
	MaxConcurrentBuilds   int      `toml:"max_concurrent_builds"`
	BuildTimeout          string   `toml:"build_timeout"`
	MaxUnpackBytes        int64    `toml:"max_unpack_bytes"`
	AbortBuildsOnShutdown bool     `toml:"abort_builds_on_shutdown"`
	ToolchainCommand      string   `toml:"toolchain_command"`
	RustupCommand         string   `toml:"rustup_command"`
	InstallTimeout        string   `toml:"install_timeout"`
	CORSOrigins           []string `toml:"cors_origins"`
	sessionFile
}

// rrc.toml keys.
type clientFile struct {
	ServerURL       string   `toml:"server_url"`
	ProjectDir      string   `toml:"project_dir"`
	OutputDir       string   `toml:"output_dir"`
	CacheDir        string   `toml:"cache_dir"`
	Exclusions      []string `toml:"exclusions"`
	Target          string   `toml:"target"`
	Release         bool     `toml:"release"`
	ConnectAttempts int      `toml:"connect_attempts"`
	ResponseTimeout string   `toml:"response_timeout"`
	sessionFile
}

// Session keys shared by both files.
type sessionFile struct {
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	PongTimeout      string `toml:"pong_timeout"`
	PingInterval     string `toml:"ping_interval"`
	MaxMessageBytes  int64  `toml:"max_message_bytes"`
}

// LoadServerConfig overlays the keys present in path onto the defaults. An
// empty path returns the defaults.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	var raw serverFile
	meta, err := decodeFile(path, &raw)
	if err != nil {
		return ServerConfig{}, err
	}

	if meta.IsDefined("node_name") {
		cfg.Listen.NodeName = strings.TrimSpace(raw.NodeName)
	}
	if meta.IsDefined("port") {
		cfg.Listen.Port = raw.Port
	}
	if meta.IsDefined("ipv4_addr") {
		cfg.Listen.IPv4Addr = strings.TrimSpace(raw.IPv4Addr)
	}
	if meta.IsDefined("ipv6_addr") {
		cfg.Listen.IPv6Addr = strings.TrimSpace(raw.IPv6Addr)
	}
	if meta.IsDefined("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(raw.CacheDir)
	}
	if meta.IsDefined("default_target") {
		cfg.Dispatch.DefaultTarget = strings.TrimSpace(raw.DefaultTarget)
	}
	if meta.IsDefined("max_concurrent_builds") {
		cfg.Dispatch.MaxConcurrent = raw.MaxConcurrentBuilds
	}
	if meta.IsDefined("build_timeout") {
		if cfg.Dispatch.BuildTimeout, err = parseDuration("build_timeout", raw.BuildTimeout); err != nil {
			return ServerConfig{}, err
		}
	}
	if meta.IsDefined("max_unpack_bytes") {
		cfg.Dispatch.MaxUnpackBytes = raw.MaxUnpackBytes
	}
	if meta.IsDefined("abort_builds_on_shutdown") {
		cfg.Listen.AbortBuildsOnShutdown = raw.AbortBuildsOnShutdown
	}
	if meta.IsDefined("toolchain_command") {
		cfg.Toolchain.CargoCommand = strings.TrimSpace(raw.ToolchainCommand)
	}
	if meta.IsDefined("rustup_command") {
		cfg.Toolchain.RustupCommand = strings.TrimSpace(raw.RustupCommand)
	}
	if meta.IsDefined("install_timeout") {
		if cfg.Toolchain.InstallTimeout, err = parseDuration("install_timeout", raw.InstallTimeout); err != nil {
			return ServerConfig{}, err
		}
	}
	if meta.IsDefined("cors_origins") {
		cfg.Listen.CORSOrigins = trimAll(raw.CORSOrigins)
	}
	if cfg.Listen.Session, err = applySession(meta, raw.sessionFile, cfg.Listen.Session); err != nil {
		return ServerConfig{}, err
	}
	if meta.IsDefined("max_message_bytes") {
		cfg.Listen.Limits.MaxPayloadBytes = uint64(raw.MaxMessageBytes)
	}

	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadClientConfig overlays the keys present in path onto the defaults. An
// empty path returns the defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	var raw clientFile
	meta, err := decodeFile(path, &raw)
	if err != nil {
		return ClientConfig{}, err
	}

	if meta.IsDefined("server_url") {
		cfg.Build.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("project_dir") {
		cfg.Build.ProjectDir = strings.TrimSpace(raw.ProjectDir)
	}
	if meta.IsDefined("output_dir") {
		cfg.Build.OutputDir = strings.TrimSpace(raw.OutputDir)
	}
	if meta.IsDefined("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(raw.CacheDir)
	}
	if meta.IsDefined("exclusions") {
		cfg.Build.Exclusions = raw.Exclusions
	}
	if meta.IsDefined("target") {
		cfg.Build.Target = strings.TrimSpace(raw.Target)
	}
	if meta.IsDefined("release") {
		cfg.Build.Release = raw.Release
	}
	if meta.IsDefined("connect_attempts") {
		cfg.Build.ConnectAttempts = raw.ConnectAttempts
	}
	if meta.IsDefined("response_timeout") {
		if cfg.Build.ResponseTimeout, err = parseDuration("response_timeout", raw.ResponseTimeout); err != nil {
			return ClientConfig{}, err
		}
	}
	if cfg.Build.Session, err = applySession(meta, raw.sessionFile, cfg.Build.Session); err != nil {
		return ClientConfig{}, err
	}
	if meta.IsDefined("max_message_bytes") {
		cfg.Build.Limits.MaxPayloadBytes = uint64(raw.MaxMessageBytes)
	}

	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, cfg.Listen.Port)
	}
	if cfg.Listen.IPv4Addr == "" && cfg.Listen.IPv6Addr == "" {
		return fmt.Errorf("%w: ipv4_addr and ipv6_addr are both empty", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Dispatch.DefaultTarget) == "" {
		return fmt.Errorf("%w: default_target is required", ErrInvalid)
	}
	if cfg.Dispatch.MaxConcurrent < 0 {
		return fmt.Errorf("%w: max_concurrent_builds must not be negative", ErrInvalid)
	}
	if cfg.Dispatch.BuildTimeout < 0 {
		return fmt.Errorf("%w: build_timeout must not be negative", ErrInvalid)
	}
	if cfg.Dispatch.MaxUnpackBytes <= 0 {
		return fmt.Errorf("%w: max_unpack_bytes must be positive", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Toolchain.CargoCommand) == "" {
		return fmt.Errorf("%w: toolchain_command is required", ErrInvalid)
	}
	if cfg.Listen.Session.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: max_message_bytes must be positive", ErrInvalid)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	u, err := url.Parse(cfg.Build.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: server_url: %v", ErrInvalid, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: server_url scheme %q (expected ws or wss)", ErrInvalid, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: server_url missing host", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Build.ProjectDir) == "" {
		return fmt.Errorf("%w: project_dir is required", ErrInvalid)
	}
	if cfg.Build.ResponseTimeout < 0 {
		return fmt.Errorf("%w: response_timeout must not be negative", ErrInvalid)
	}
	if cfg.Build.Session.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: max_message_bytes must be positive", ErrInvalid)
	}
	return nil
}

func decodeFile(path string, out any) (toml.MetaData, error) {
	if strings.TrimSpace(path) == "" {
		return toml.MetaData{}, nil
	}
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return toml.MetaData{}, fmt.Errorf("%w: load %s: %v", ErrInvalid, path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return toml.MetaData{}, fmt.Errorf("%w: %s: unknown keys %v", ErrInvalid, path, undecoded)
	}
	return meta, nil
}
