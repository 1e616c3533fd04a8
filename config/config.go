package config

import (
	"encoding/json"
	"os"

	"github.com/opd-ai/aes67vsc/enginerr"
)

// Config is the engine's JSON configuration file, recognized options per
// the engine's persisted-state rule. Fields the file omits keep the
// defaults applied by Default.
type Config struct {
	Interface           string `json:"interface"`
	PacketTimeUs        int    `json:"packet_time_us"`
	JitterBufferPackets int    `json:"jitter_buffer_packets"`
	PTPDomain           uint8  `json:"ptp_domain"`
	Multicast           bool   `json:"multicast"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Interface:           "en0",
		PacketTimeUs:        250,
		JitterBufferPackets: 3,
		PTPDomain:           0,
		Multicast:           true,
	}
}

// Load reads the JSON file at path and merges it over Default: any key
// the file omits keeps its default value, since json.Unmarshal only
// assigns fields present in the input. An explicit zero value for
// interface/packet_time_us/jitter_buffer_packets is treated the same as
// an absent key and reverts to the default, per the documented
// "absent or zero-valued" merge rule. multicast is exempt: its zero
// value (false) is a meaningful explicit choice to disable multicast,
// not an omission, so an explicit "multicast": false is honored as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	defaults := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, enginerr.NewAddr(enginerr.KindResource, "config.Load", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, enginerr.NewAddr(enginerr.KindInvalidFormat, "config.Load", path, err)
	}

	if cfg.Interface == "" {
		cfg.Interface = defaults.Interface
	}
	if cfg.PacketTimeUs == 0 {
		cfg.PacketTimeUs = defaults.PacketTimeUs
	}
	if cfg.JitterBufferPackets == 0 {
		cfg.JitterBufferPackets = defaults.JitterBufferPackets
	}
	return cfg, nil
}
