package state

import (
	"fmt"
	"regexp"
	"time"
)

// Duration is a time.Duration that round-trips through YAML as a string
// like "500ms" or "3s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// AreaCfg binds an area id to the regexes that decide which neighbors on
// which interfaces belong to it. At least one regex list must be non-empty.
type AreaCfg struct {
	AreaId           string   `yaml:"area_id"`
	NeighborRegexes  []string `yaml:"neighbor_regexes,omitempty"`
	InterfaceRegexes []string `yaml:"interface_regexes,omitempty"`
}

// Config is the node-level spark configuration.
type Config struct {
	NodeName   string `yaml:"node_name"`
	DomainName string `yaml:"domain_name"`

	UDPMcastPort uint16 `yaml:"udp_mcast_port,omitempty"`

	// graceful-restart hold window advertised to peers
	HoldTime Duration `yaml:"hold_time,omitempty"`
	// RTT sampling period, also the step-detector sampling period
	KeepAliveTime         Duration `yaml:"keepalive_time,omitempty"`
	FastInitKeepAliveTime Duration `yaml:"fast_init_keepalive_time,omitempty"`
	HelloTime             Duration `yaml:"hello_time,omitempty"`
	HelloFastInitTime     Duration `yaml:"hello_fast_init_time,omitempty"`
	HandshakeTime         Duration `yaml:"handshake_time,omitempty"`
	HeartbeatTime         Duration `yaml:"heartbeat_time,omitempty"`
	NegotiateHoldTime     Duration `yaml:"negotiate_hold_time,omitempty"`
	HeartbeatHoldTime     Duration `yaml:"heartbeat_hold_time,omitempty"`
	CounterSubmitInterval Duration `yaml:"counter_submit_interval,omitempty"`

	EnableV4 bool `yaml:"enable_v4,omitempty"`
	IPTos    *int `yaml:"ip_tos,omitempty"`

	KvStoreCmdPort      int32 `yaml:"kv_store_cmd_port,omitempty"`
	OpenrCtrlThriftPort int32 `yaml:"openr_ctrl_thrift_port,omitempty"`

	Areas []AreaCfg `yaml:"areas,omitempty"`

	LogPath string `yaml:"log_path,omitempty"`
}

// ExpandConfig fills in defaults for everything the YAML left unset.
func ExpandConfig(cfg *Config) {
	setIfZero := func(d *Duration, def time.Duration) {
		if *d == 0 {
			*d = Duration(def)
		}
	}
	if cfg.UDPMcastPort == 0 {
		cfg.UDPMcastPort = DefaultUDPMcastPort
	}
	setIfZero(&cfg.HoldTime, DefaultHoldTime)
	setIfZero(&cfg.KeepAliveTime, DefaultKeepAliveTime)
	setIfZero(&cfg.FastInitKeepAliveTime, DefaultFastInitKeepAliveTime)
	setIfZero(&cfg.HelloTime, DefaultHelloTime)
	setIfZero(&cfg.HelloFastInitTime, DefaultHelloFastInitTime)
	setIfZero(&cfg.HandshakeTime, DefaultHandshakeTime)
	setIfZero(&cfg.HeartbeatTime, DefaultHeartbeatTime)
	setIfZero(&cfg.NegotiateHoldTime, DefaultNegotiateHoldTime)
	setIfZero(&cfg.HeartbeatHoldTime, DefaultHeartbeatHoldTime)
	setIfZero(&cfg.CounterSubmitInterval, DefaultCounterSubmitInterval)
}

// ConfigValidator rejects configurations the engine cannot run with.
func ConfigValidator(cfg *Config) error {
	if cfg.NodeName == "" {
		return fmt.Errorf("node_name must not be empty")
	}
	if cfg.DomainName == "" {
		return fmt.Errorf("domain_name must not be empty")
	}
	if cfg.KeepAliveTime.D() <= 0 {
		return fmt.Errorf("keepalive_time can't be 0")
	}
	if cfg.FastInitKeepAliveTime.D() <= 0 {
		return fmt.Errorf("fast_init_keepalive_time can't be 0")
	}
	if cfg.FastInitKeepAliveTime.D() > cfg.KeepAliveTime.D() {
		return fmt.Errorf("fast_init_keepalive_time must not be bigger than keepalive_time")
	}
	if cfg.HoldTime.D() < 3*cfg.KeepAliveTime.D() {
		return fmt.Errorf("keepalive_time must not exceed a third of hold_time")
	}
	for _, area := range cfg.Areas {
		if area.AreaId == "" {
			return fmt.Errorf("area with empty area_id")
		}
		if len(area.NeighborRegexes) == 0 && len(area.InterfaceRegexes) == 0 {
			return fmt.Errorf("area %s: at least one neighbor or interface regex is required", area.AreaId)
		}
		for _, expr := range append(append([]string{}, area.NeighborRegexes...), area.InterfaceRegexes...) {
			if _, err := regexp.Compile(expr); err != nil {
				return fmt.Errorf("area %s: invalid regex %q: %w", area.AreaId, expr, err)
			}
		}
	}
	return nil
}
