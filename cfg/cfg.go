// Copyright (C) 2024 duggavo
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package cfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/EpicCash/epic-poold/config"
	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/pow"
)

var ErrBlankConfig = errors.New("blank configuration created")

var Cfg Config

type Config struct {
	PidFile   string `json:"pid_file"`
	LogFile   string `json:"log_file"`
	LogLevel  string `json:"log_level"`
	Daemonize bool   `json:"daemonize"`

	NodeHostname  string `json:"node_hostname"`
	NodePort      string `json:"node_port"`
	NodeUsername  string `json:"node_username"`
	NodePassword  string `json:"node_password"`
	NodeAgent     string `json:"node_agent"`
	NodeAlgorithm string `json:"node_algorithm"`

	PlainPort      uint16 `json:"plain_port"`
	TlsPort        uint16 `json:"tls_port"`
	TlsCertificate string `json:"tls_certificate"`
	TlsKey         string `json:"tls_key"`
	TlsCipherList  string `json:"tls_cipher_list"`

	// seconds
	TemplateTimeout uint64 `json:"template_timeout"`
	NodeTimeout     uint64 `json:"node_timeout"`

	MaxCallsPerMinute   uint32 `json:"max_calls_per_minute"`
	PlainPoolSize       uint32 `json:"plain_pool_size"`
	TlsPoolSize         uint32 `json:"tls_pool_size"`
	MaxConnectionsPerIp uint32 `json:"max_connections_per_ip"`
	ConnectScore        uint32 `json:"connect_score"`

	ApiPort        uint16 `json:"api_port"`
	DiscordWebhook string `json:"discord_webhook"`

	Hash Hash `json:"hash"`
}

type Hash struct {
	FullDataset         bool   `json:"full_dataset"`
	RandomXCacheKiB     uint32 `json:"randomx_cache_kib"`
	RandomXDatasetItems uint32 `json:"randomx_dataset_items"`
	ProgPowCacheBytes   uint32 `json:"progpow_cache_bytes"`
	Threads             uint32 `json:"threads"`
}

func Default() Config {
	return Config{
		LogLevel: "info",

		NodeHostname:  "127.0.0.1",
		NodePort:      "3416",
		NodeAgent:     config.AGENT,
		NodeAlgorithm: pow.RandomX.String(),

		PlainPort: 3333,

		TemplateTimeout: 30,
		NodeTimeout:     600,

		MaxCallsPerMinute:   60,
		PlainPoolSize:       config.PLAIN_POOL_SIZE,
		TlsPoolSize:         config.TLS_POOL_SIZE,
		MaxConnectionsPerIp: config.MAX_CONNECTIONS_PER_IP,

		Hash: Hash{
			FullDataset:         true,
			RandomXCacheKiB:     64 * 1024,
			RandomXDatasetItems: 1 << 21,
			ProgPowCacheBytes:   16 * 1024 * 1024,
		},
	}
}

// Load reads the JSON config at path into Cfg. Keys missing from the file keep their defaults.
// When the file does not exist a default config is written there and ErrBlankConfig is returned.
func Load(path string) (*Config, error) {
	fd, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		blankCfg, err := json.MarshalIndent(Default(), "", "\t")
		if err != nil {
			return nil, err
		}

		err = os.WriteFile(path, blankCfg, 0o600)
		if err != nil {
			return nil, fmt.Errorf("could not write config %s: %w", path, err)
		}

		return nil, fmt.Errorf("config file %s not found: %w, adjust the settings and run again", path, ErrBlankConfig)
	}

	c := Default()
	err = json.Unmarshal(fd, &c)
	if err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	Cfg = c
	return &c, nil
}

func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PlainPort == 0 && c.TlsPort == 0 {
		return errors.New("at least one of plain_port and tls_port must be set")
	}
	if c.NodeHostname == "" || c.NodePort == "" {
		return errors.New("node_hostname and node_port are required")
	}
	if _, err := pow.ParseAlgorithm(c.NodeAlgorithm); err != nil {
		return fmt.Errorf("node_algorithm: %w", err)
	}
	if c.TemplateTimeout == 0 || c.NodeTimeout == 0 {
		return errors.New("template_timeout and node_timeout must be greater than zero")
	}
	if c.NodeTimeout <= c.TemplateTimeout {
		return errors.New("node_timeout must be greater than template_timeout")
	}
	if c.MaxCallsPerMinute == 0 {
		return errors.New("max_calls_per_minute must be greater than zero")
	}
	if c.PlainPoolSize == 0 || c.TlsPoolSize == 0 {
		return errors.New("pool sizes must be greater than zero")
	}
	if c.Hash.RandomXCacheKiB < 8 || c.Hash.RandomXDatasetItems == 0 {
		return errors.New("hash: randomx cache must be at least 8 KiB and the dataset non-empty")
	}
	if c.Hash.ProgPowCacheBytes < 64 || c.Hash.ProgPowCacheBytes%64 != 0 {
		return errors.New("hash: progpow_cache_bytes must be a non-zero multiple of 64")
	}
	return nil
}

// CipherSuites resolves the colon separated tls_cipher_list. An empty list yields nil (Go defaults).
func (c *Config) CipherSuites(lookup func(name string) (uint16, bool)) ([]uint16, error) {
	if strings.TrimSpace(c.TlsCipherList) == "" {
		return nil, nil
	}

	var ids []uint16
	for _, name := range strings.Split(c.TlsCipherList, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown TLS cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
