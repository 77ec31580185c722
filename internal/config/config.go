// Package config loads the tunables that shape every datapath
// component — rekey thresholds, reorder window bounds, scheduler
// degradation limits, cover-traffic rates, VDF delay targets, FEC
// shard counts — from a single YAML document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionConfig is the full set of tunables for one Nyx session.
// Fields absent from a loaded document keep the defaults in Default();
// a field the document sets explicitly, even to zero, replaces its
// default.
type SessionConfig struct {
	AEAD       AEADConfig       `yaml:"aead"`
	Reorder    ReorderConfig    `yaml:"reorder"`
	Congestion CongestionConfig `yaml:"congestion"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	PathProbe  PathProbeConfig  `yaml:"path_probe"`
	Cover      CoverConfig      `yaml:"cover"`
	Mix        MixConfig        `yaml:"mix"`
	FEC        FECConfig        `yaml:"fec"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

type AEADConfig struct {
	RekeyRecords  uint64        `yaml:"rekey_records"`
	RekeyBytes    uint64        `yaml:"rekey_bytes"`
	RekeyInterval time.Duration `yaml:"rekey_interval"`
	MinCooldown   time.Duration `yaml:"min_cooldown"`
}

type ReorderConfig struct {
	MinWindow int `yaml:"min_window"`
	MaxWindow int `yaml:"max_window"`
}

type CongestionConfig struct {
	MinRTO       time.Duration `yaml:"min_rto"`
	MaxRTO       time.Duration `yaml:"max_rto"`
	MaxCwnd      int           `yaml:"max_cwnd"`
	AckCoalesce  time.Duration `yaml:"ack_coalesce"`
	DupAckSignal int           `yaml:"dup_ack_signal"`
}

type SchedulerConfig struct {
	DegradationRTT  time.Duration `yaml:"degradation_rtt"`
	DegradationLoss float32       `yaml:"degradation_loss"`
	DegradedShare   float32       `yaml:"degraded_share"`
}

type PathProbeConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type CoverConfig struct {
	BaseLambda    float64 `yaml:"base_lambda"`
	LowPowerRatio float64 `yaml:"low_power_ratio"`
}

type MixConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	VDFDelayMS    int           `yaml:"vdf_delay_ms"`
	VDFDeadline   time.Duration `yaml:"vdf_deadline"`
}

type FECConfig struct {
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
}

type SupervisorConfig struct {
	CloseGracePeriod time.Duration `yaml:"close_grace_period"`
	SchedulerTick    time.Duration `yaml:"scheduler_tick"`
}

// Default returns the baseline tunables for rekey thresholds, reorder
// window bounds, cover traffic, and FEC shard counts, plus the
// conservative defaults needed for fields left otherwise unconstrained.
func Default() SessionConfig {
	return SessionConfig{
		AEAD: AEADConfig{
			RekeyRecords:  1 << 20,
			RekeyBytes:    1 << 34,
			RekeyInterval: time.Hour,
			MinCooldown:   10 * time.Second,
		},
		Reorder: ReorderConfig{MinWindow: 32, MaxWindow: 8192},
		Congestion: CongestionConfig{
			MinRTO: 200 * time.Millisecond, MaxRTO: 60 * time.Second,
			MaxCwnd: 4096, AckCoalesce: 40 * time.Millisecond, DupAckSignal: 3,
		},
		Scheduler: SchedulerConfig{
			DegradationRTT: 300 * time.Millisecond, DegradationLoss: 0.5, DegradedShare: 0.05,
		},
		PathProbe: PathProbeConfig{Timeout: time.Second, MaxBackoff: 16 * time.Second},
		Cover:     CoverConfig{BaseLambda: 10, LowPowerRatio: 0.25},
		Mix: MixConfig{
			BatchSize: 32, FlushInterval: 200 * time.Millisecond,
			VDFDelayMS: 100, VDFDeadline: 500 * time.Millisecond,
		},
		FEC: FECConfig{DataShards: 4, ParityShards: 2},
		Supervisor: SupervisorConfig{
			CloseGracePeriod: 500 * time.Millisecond,
			SchedulerTick:    50 * time.Millisecond,
		},
	}
}

// Load reads a YAML document at path and merges it over Default —
// any field absent from the document keeps its default value.
func Load(path string) (SessionConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
