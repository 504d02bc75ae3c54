// Package config loads ledger settings from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/i5heu/ametsuchi"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// DefaultFile is read when no file is given.
const DefaultFile = "ametsuchi.yaml"

type Config struct {
	Path                string `yaml:"path"`
	MinimumFreeGB       int    `yaml:"minimumFreeGB"`
	LogLevel            string `yaml:"logLevel"`
	MerkleCapacity      int    `yaml:"merkleCapacity"`
	BlockStore          string `yaml:"blockStore"`
	Compression         string `yaml:"compression"`
	RepairTruncatedTail bool   `yaml:"repairTruncatedTail"`
	// pointer so that an explicit false survives defaulting
	SyncWrites *bool `yaml:"syncWrites"`
	// GarbageCollectionInterval in minutes, 0 disables it
	GarbageCollectionInterval int `yaml:"garbageCollectionInterval"`
}

// Load reads file and applies defaults. A missing file yields the defaults.
func Load(file string) (Config, error) {
	var config Config

	data, err := os.ReadFile(file)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config %s: %w", file, err)
	}
	if err == nil {
		if err := yaml.UnmarshalStrict(data, &config); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", file, err)
		}
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MerkleCapacity == 0 {
		c.MerkleCapacity = ametsuchi.DefaultMerkleCapacity
	}
	if c.BlockStore == "" {
		c.BlockStore = string(ametsuchi.BlockStoreFlat)
	}
	if c.SyncWrites == nil {
		syncWrites := true
		c.SyncWrites = &syncWrites
	}
}

// Ledger converts c into a ledger configuration with a logger at the
// configured level.
func (c Config) Ledger() (ametsuchi.Config, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return ametsuchi.Config{}, fmt.Errorf("log level: %w", err)
	}
	log := logrus.New()
	log.SetLevel(level)

	syncWrites := true
	if c.SyncWrites != nil {
		syncWrites = *c.SyncWrites
	}

	return ametsuchi.Config{
		Paths:                     []string{c.Path},
		MinimumFreeGB:             c.MinimumFreeGB,
		Logger:                    log,
		MerkleCapacity:            c.MerkleCapacity,
		BlockStore:                ametsuchi.BlockStoreBackend(c.BlockStore),
		Compression:               c.Compression,
		RepairTruncatedTail:       c.RepairTruncatedTail,
		SyncWrites:                syncWrites,
		GarbageCollectionInterval: time.Duration(c.GarbageCollectionInterval) * time.Minute,
	}, nil
}
