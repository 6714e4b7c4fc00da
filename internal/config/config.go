// Package config loads the single immutable configuration struct read at
// startup (spec §9, Design Notes). Recognized keys are exactly
// {server_address, server_port, flag_regex, auth_required, accounts,
// block_gap_ms, idle_flow_s, max_chunk_bytes, default_query_limit}. The teacher has no
// config-file dependency to reuse (its flags all live on cobra commands),
// so this stays on stdlib encoding/json rather than pulling in a library
// nothing else in the pack demonstrates for this purpose (see DESIGN.md).
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Config is the immutable, process-wide configuration.
type Config struct {
	// ServerAddress is the bare IP the HTTP API binds to; combine with
	// ServerPort to get a listen address.
	ServerAddress string `json:"server_address"`
	ServerPort    int    `json:"server_port"`
	FlagRegex     string `json:"flag_regex"`
	AuthRequired  bool   `json:"auth_required"`
	Accounts      map[string]string `json:"accounts"`

	BlockGapMS        int `json:"block_gap_ms"`
	IdleFlowS         int `json:"idle_flow_s"`
	MaxChunkBytes     int `json:"max_chunk_bytes"`
	DefaultQueryLimit int `json:"default_query_limit"`
}

// Defaults returns the spec's documented defaults (T_block=100ms,
// T_idle_flow=5min, MaxChunkBytes=64KiB, default limit=8024).
func Defaults() Config {
	return Config{
		ServerAddress:     "127.0.0.1",
		ServerPort:        3333,
		BlockGapMS:        100,
		IdleFlowS:         300,
		MaxChunkBytes:     64 * 1024,
		DefaultQueryLimit: 8024,
	}
}

// ListenAddress returns the combined host:port http.ListenAndServe wants.
func (c Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ServerAddress, c.ServerPort)
}

// BlockGap returns BlockGapMS as a time.Duration.
func (c Config) BlockGap() time.Duration {
	return time.Duration(c.BlockGapMS) * time.Millisecond
}

// IdleFlowTimeout returns IdleFlowS as a time.Duration.
func (c Config) IdleFlowTimeout() time.Duration {
	return time.Duration(c.IdleFlowS) * time.Second
}

// Load reads a Config from r, applying Defaults() first so omitted keys
// keep their documented default.
func Load(r io.Reader) (Config, error) {
	cfg := Defaults()
	dec := json.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a Config from a JSON file at path.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Validate applies the validation rules of spec §6: flag_regex length >= 8,
// server_address must be a parseable IP, ports in range, etc. This is the
// fix for the Open Question in spec §9: the original's address validator
// is a stub that always returns true; here a non-parseable address is a
// real InvalidInput.
func (c Config) Validate() error {
	if len(c.FlagRegex) < 8 {
		return fmt.Errorf("flag_regex must be at least 8 characters")
	}
	if c.ServerAddress != "" {
		if net.ParseIP(c.ServerAddress) == nil {
			return fmt.Errorf("server_address %q is not a valid IPv4 or IPv6 address", c.ServerAddress)
		}
	}
	if err := ValidatePort(c.ServerPort); err != nil {
		return fmt.Errorf("server_port: %w", err)
	}
	if c.MaxChunkBytes <= 0 {
		return fmt.Errorf("max_chunk_bytes must be positive")
	}
	return nil
}

// ValidatePort checks a TCP/UDP port per spec §6: port in [1, 65535].
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", port)
	}
	return nil
}

// ValidateColor checks a color string against spec §6's pattern
// ^#([0-9a-fA-F]{3}){1,2}$.
func ValidateColor(color string) error {
	if len(color) != 4 && len(color) != 7 {
		return fmt.Errorf("color %q must be #RGB or #RRGGBB", color)
	}
	if color[0] != '#' {
		return fmt.Errorf("color %q must start with #", color)
	}
	for _, c := range color[1:] {
		if !isHexDigit(c) {
			return fmt.Errorf("color %q contains non-hex digit", color)
		}
	}
	return nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
