// Package config loads the single JSON configuration object described
// in spec.md §6. It does exactly that and nothing more: no flags, no
// environment layering, no profiles — those are explicitly out of
// scope.
package config

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config is the on-disk shape of a replica's configuration file,
// matching spec.md §6's JSON object field for field.
type Config struct {
	Replica    int64    `json:"replica"`
	Peers      []string `json:"peers"`
	BasePath   string   `json:"basepath"`
	Mountpoint string   `json:"mountpoint"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
}

// Load reads and validates the configuration file at path. A replica
// id of 0 means "generate one": a random 31-bit positive value is
// assigned and persisted back to path so subsequent restarts reuse the
// same identity.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: reading file")
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "config: unmarshaling")
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	if c.Replica == 0 {
		id, err := randomReplicaID()
		if err != nil {
			return nil, errors.Wrap(err, "config: generating replica id")
		}
		c.Replica = id
		if err := c.save(path); err != nil {
			return nil, errors.Wrap(err, "config: persisting generated replica id")
		}
	}

	return &c, nil
}

func (c *Config) validate() error {
	if c.BasePath == "" {
		return errors.New("config: basepath is required")
	}
	if c.Mountpoint == "" {
		return errors.New("config: mountpoint is required")
	}
	if c.Host == "" {
		return errors.New("config: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("config: invalid port %d", c.Port)
	}
	if c.Replica < 0 {
		return errors.New("config: replica must not be negative")
	}
	return nil
}

func (c *Config) save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// randomReplicaID returns a uniformly random value in [1, 2^31). Zero
// is reserved to mean "generate one," so it is excluded from the
// range.
func randomReplicaID() (int64, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
	if v == 0 {
		v = 1
	}
	return int64(v), nil
}
