package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all tunables of the STP stack. Zero values are replaced by
// the defaults from DefaultConfig when loaded from file.
type Config struct {
	MSS              int `yaml:"mss"`                // maximum segment payload size in bytes
	InitialCwnd      int `yaml:"initial_cwnd"`       // initial congestion window in segments
	InitialSsthresh  int `yaml:"initial_ssthresh"`   // initial slow start threshold in bytes
	MaxReceiveWindow int `yaml:"max_receive_window"` // receive buffer limit in bytes, at most 65535 (16-bit window field)
	DupAckThreshold  int `yaml:"dup_ack_threshold"`  // duplicate ACKs before fast retransmit

	InitialTimeoutMs  int `yaml:"initial_timeout_ms"`   // RTO before the first RTT sample
	MinTimeoutMs      int `yaml:"min_timeout_ms"`       // lower clamp for the RTO
	MaxTimeoutMs      int `yaml:"max_timeout_ms"`       // upper clamp for the RTO and its backoff
	TimeWaitMs        int `yaml:"time_wait_ms"`         // TIME_WAIT linger before final teardown
	ConnSignalRetries int `yaml:"conn_signal_retries"`  // SYN / SYN-ACK / FIN resend attempts
	ConnSignalTimerMs int `yaml:"conn_signal_timer_ms"` // interval between those resends

	KeepaliveEnabled    bool `yaml:"keepalive_enabled"`
	KeepaliveIntervalMs int  `yaml:"keepalive_interval_ms"`

	PayloadPoolSize int    `yaml:"payload_pool_size"` // number of payload chunks in the ring pool
	TraceFile       string `yaml:"trace_file"`        // pcap output path, empty disables tracing

	Channel ChannelConfig `yaml:"channel"`
}

// ChannelConfig controls the simulated network the stack runs over.
type ChannelConfig struct {
	LossRate        float64 `yaml:"loss_rate"`         // probability a datagram is dropped
	DuplicationRate float64 `yaml:"duplication_rate"`  // probability a datagram is delivered twice
	LatencyMs       int     `yaml:"latency_ms"`        // base one-way latency
	ReorderJitterMs int     `yaml:"reorder_jitter_ms"` // random extra delay causing reordering
	QueueDepth      int     `yaml:"queue_depth"`       // outbound queue length per endpoint
	Seed            int64   `yaml:"seed"`              // rng seed, 0 means time-based
}

func DefaultConfig() *Config {
	return &Config{
		MSS:              1400,
		InitialCwnd:      1,
		InitialSsthresh:  64 * 1024,
		MaxReceiveWindow: 64*1024 - 1,
		DupAckThreshold:  3,

		InitialTimeoutMs:  1000,
		MinTimeoutMs:      200,
		MaxTimeoutMs:      60000,
		TimeWaitMs:        2000,
		ConnSignalRetries: 5,
		ConnSignalTimerMs: 2000,

		KeepaliveEnabled:    false,
		KeepaliveIntervalMs: 15000,

		PayloadPoolSize: 2000,
		TraceFile:       "",

		Channel: ChannelConfig{
			LossRate:        0,
			DuplicationRate: 0,
			LatencyMs:       2,
			ReorderJitterMs: 0,
			QueueDepth:      512,
			Seed:            0,
		},
	}
}

// LoadConfig reads the YAML file at path and merges it over the defaults.
// A missing file is not an error; the defaults are returned.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validating config file %s", path)
	}
	return cfg, nil
}

// Validate rejects configurations the stack cannot run with.
func (c *Config) Validate() error {
	if c.MSS <= 0 {
		return errors.New("mss must be positive")
	}
	if c.InitialCwnd <= 0 {
		return errors.New("initial_cwnd must be positive")
	}
	if c.MaxReceiveWindow < c.MSS {
		return errors.New("max_receive_window must hold at least one segment")
	}
	if c.MaxReceiveWindow > 0xffff {
		return errors.New("max_receive_window cannot exceed the 16-bit window field")
	}
	if c.DupAckThreshold <= 0 {
		return errors.New("dup_ack_threshold must be positive")
	}
	if c.MinTimeoutMs <= 0 || c.MaxTimeoutMs < c.MinTimeoutMs {
		return errors.New("timeout clamps are inverted")
	}
	if c.Channel.LossRate < 0 || c.Channel.LossRate >= 1 {
		return errors.New("channel loss_rate must be in [0,1)")
	}
	if c.Channel.DuplicationRate < 0 || c.Channel.DuplicationRate >= 1 {
		return errors.New("channel duplication_rate must be in [0,1)")
	}
	if c.Channel.QueueDepth <= 0 {
		return errors.New("channel queue_depth must be positive")
	}
	return nil
}

func (c *Config) InitialTimeout() time.Duration { return msDur(c.InitialTimeoutMs) }
func (c *Config) MinTimeout() time.Duration     { return msDur(c.MinTimeoutMs) }
func (c *Config) MaxTimeout() time.Duration     { return msDur(c.MaxTimeoutMs) }
func (c *Config) TimeWait() time.Duration       { return msDur(c.TimeWaitMs) }

func msDur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
