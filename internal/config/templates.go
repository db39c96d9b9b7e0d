package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server", "rrcd":
		return serverTemplate, nil
	case "client", "rrc":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `node_name = "rrcd"
port = 8888
ipv4_addr = "127.0.0.1"
ipv6_addr = "::1"
# cache_dir defaults to the user cache directory
default_target = "x86_64-pc-windows-gnu"
max_concurrent_builds = 0
build_timeout = "0"
max_unpack_bytes = 4294967296
abort_builds_on_shutdown = false
toolchain_command = "cargo"
rustup_command = "rustup"
install_timeout = "10m"
cors_origins = ["http://localhost:3000"]
handshake_timeout = "10s"
write_timeout = "30s"
pong_timeout = "60s"
ping_interval = "20s"
max_message_bytes = 268435456
`

const clientTemplate = `server_url = "ws://127.0.0.1:8888/"
project_dir = "."
output_dir = "."
exclusions = ["target/*", "\\.git/"]
target = "x86_64-pc-windows-gnu"
release = false
connect_attempts = 5
response_timeout = "0"
`
