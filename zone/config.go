/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"fmt"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the per-process configuration consumed by this core.
// Wire protocol, socket I/O and CLI/daemon plumbing live outside this
// package; Config only carries what ZoneDB/ZoneEntry/the pipeline need.
type Config struct {
	Log struct {
		File string
	}
	Service struct {
		JitterPct        uint32 `mapstructure:"jitter_pct"`
		BootstrapDelayMs uint32 `mapstructure:"bootstrap_delay_ms"`
	}
	Zones map[string]ZoneConf
}

// ZoneConf is the external, per-zone configuration block.
type ZoneConf struct {
	Name          string `validate:"required"`
	File          string
	IxfrDb        string `mapstructure:"ixfr_db"`
	IxfrFsLimit   int64  `mapstructure:"ixfr_fslimit"`
	DbSyncTimeout int    `mapstructure:"dbsync_timeout"`
	Acl           ACLConf
	NotifyRetries int  `mapstructure:"notify_retries"`
	BuildDiffs    bool `mapstructure:"build_diffs"`
	DnssecEnable  bool `mapstructure:"dnssec_enable"`
	DisableAny    bool `mapstructure:"disable_any"`
	EnableChecks  bool `mapstructure:"enable_checks"`
	Master        string
}

// ACLConf groups the five named ACLs a zone carries.
type ACLConf struct {
	XfrIn    []ACLEntryConf `mapstructure:"xfr_in"`
	XfrOut   []ACLEntryConf `mapstructure:"xfr_out"`
	NotifyIn []ACLEntryConf `mapstructure:"notify_in"`
	NotifyOt []ACLEntryConf `mapstructure:"notify_out"`
	UpdateIn []ACLEntryConf `mapstructure:"update_in"`
}

// ACLEntryConf is one ACL line as read from configuration.
type ACLEntryConf struct {
	Family  string // "inet" | "inet6"
	Address string `validate:"required"`
	Prefix  int
	Port    uint16
	Via     string
	TsigKey string `mapstructure:"tsig_key"`
}

// LoadConfig reads and validates a YAML config file through viper.
func LoadConfig(path string) (*Config, error) {
	// Zone names contain dots, so viper's default "." key delimiter would
	// split "example.com." into nested keys.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, Errf(Inval, err, "reading config file %q", path)
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, Errf(Inval, err, "unmarshalling config")
	}

	if err := validateConfig(&conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func validateConfig(conf *Config) error {
	validate := validator.New()
	for zname, zc := range conf.Zones {
		zc.Name = zname
		if err := validate.Struct(zc); err != nil {
			return Errf(Inval, err, "zone %q: missing required attributes", zname)
		}
		for _, acl := range [][]ACLEntryConf{zc.Acl.XfrIn, zc.Acl.XfrOut, zc.Acl.NotifyIn, zc.Acl.NotifyOt, zc.Acl.UpdateIn} {
			for _, e := range acl {
				if err := validate.Struct(e); err != nil {
					return Errf(Inval, err, "zone %q: acl entry invalid", zname)
				}
			}
		}
	}
	log.Printf("config: loaded %d zones", len(conf.Zones))
	return nil
}

func (z ZoneConf) String() string {
	return fmt.Sprintf("%s (master=%q dnssec=%v)", z.Name, z.Master, z.DnssecEnable)
}

func normalizeFamily(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
