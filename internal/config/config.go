// Package config centralizes the hub's environment-variable configuration
// into one explicit record, constructed once at startup and passed down to
// component constructors. Nothing in this package is package-level mutable
// state.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the hub recognizes.
type Config struct {
	HubHost string
	HubPort int

	TransportBin        string
	TransportBasePort   int
	TransportPortRange  int
	TransportSpawnWait  time.Duration
	TransportStopGrace  time.Duration

	SSLCertFile string
	SSLKeyFile  string
	CertDir     string

	SingleRoomMode bool
	BandName       string

	DBPath string

	DefaultMaxParticipants int
	RoomReapInterval       time.Duration
	RoomReapGrace          time.Duration

	LogFormat string
}

// Default returns a Config populated with the hub's documented defaults.
func Default() Config {
	return Config{
		HubHost:                "localhost",
		HubPort:                8443,
		TransportBin:           "jacktrip",
		TransportBasePort:      4464,
		TransportPortRange:     100,
		TransportSpawnWait:     5 * time.Second,
		TransportStopGrace:     3 * time.Second,
		CertDir:                "certs",
		SingleRoomMode:         false,
		BandName:               "The Band",
		DBPath:                 "hub.db",
		DefaultMaxParticipants: 8,
		RoomReapInterval:       30 * time.Second,
		RoomReapGrace:          2 * time.Minute,
		LogFormat:              "text",
	}
}

// FromEnv overlays values found in os.Environ on top of Default, returning
// an error if a recognized variable holds a value of the wrong type.
func FromEnv() (Config, error) {
	c := Default()

	if v, ok := lookup("HUB_HOST"); ok {
		c.HubHost = v
	}
	if err := setInt("HUB_PORT", &c.HubPort); err != nil {
		return c, err
	}
	if v, ok := lookup("TRANSPORT_BIN"); ok {
		c.TransportBin = v
	}
	if err := setInt("TRANSPORT_BASE_PORT", &c.TransportBasePort); err != nil {
		return c, err
	}
	if err := setInt("TRANSPORT_PORT_RANGE", &c.TransportPortRange); err != nil {
		return c, err
	}
	if v, ok := lookup("SSL_CERTFILE"); ok {
		c.SSLCertFile = v
	}
	if v, ok := lookup("SSL_KEYFILE"); ok {
		c.SSLKeyFile = v
	}
	if err := setBool("SINGLE_ROOM_MODE", &c.SingleRoomMode); err != nil {
		return c, err
	}
	if v, ok := lookup("BAND_NAME"); ok {
		c.BandName = v
	}
	if v, ok := lookup("HUB_DB_PATH"); ok {
		c.DBPath = v
	}
	if v, ok := lookup("HUB_LOG_FORMAT"); ok {
		c.LogFormat = v
	}

	if c.TransportPortRange <= 0 {
		return c, fmt.Errorf("TRANSPORT_PORT_RANGE must be positive, got %d", c.TransportPortRange)
	}
	return c, nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func setInt(key string, dst *int) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setBool(key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q: %w", key, v, err)
	}
	*dst = b
	return nil
}
