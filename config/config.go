// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: config.go — Fabric options record & JSON persistence
//
// Purpose:
//   - One plain options record carrying every runtime-facing knob.
//   - JSON load/save for per-title override files.
//
// Notes:
//   - Defaults mirror the compile-time values in constants/.
//   - Unknown fields in an override file are ignored; zero/negative values
//     are normalized back to defaults rather than rejected.
// ─────────────────────────────────────────────────────────────────────────────

package config

import (
	"os"

	"github.com/sugawarayuuta/sonnet"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
)

// Options is the fabric configuration record.
type Options struct {
	HotCacheCap          int     `json:"hot_cache_cap"`
	QueueMaxSize         int     `json:"queue_max_size"`
	SpecThreshold        int     `json:"spec_threshold"`
	MaxSpecDepth         int     `json:"max_spec_depth"`
	GraceMs              int     `json:"grace_ms"`
	ExtendedGraceMs      int     `json:"extended_grace_ms"`
	TransitionCooldownMs int     `json:"transition_cooldown_ms"`
	SpikeFrameMs         float64 `json:"spike_frame_ms"`
	ShaderSpikeBase      int     `json:"shader_spike_base"`
	TextureSpikeBase     int     `json:"texture_spike_base"`
	WorkerCount          int     `json:"worker_count"`
	AgeUnitMs            int     `json:"age_unit_ms"`

	// CachePath points the persistent artifact store at its database
	// file; empty disables persistence entirely.
	CachePath string `json:"cache_path"`
}

// Default returns the options record mirroring the compile-time tunables.
// WorkerCount 0 means "derive from cores" (see workers.DefaultWorkerCount).
func Default() Options {
	return Options{
		HotCacheCap:          constants.HotCacheCap,
		QueueMaxSize:         constants.SpecQueueMax,
		SpecThreshold:        constants.SpecThreshold,
		MaxSpecDepth:         constants.MaxSpecDepth,
		GraceMs:              constants.GraceMs,
		ExtendedGraceMs:      constants.ExtendedGraceMs,
		TransitionCooldownMs: constants.TransitionCooldownMs,
		SpikeFrameMs:         constants.SpikeFrameMs,
		ShaderSpikeBase:      constants.ShaderSpikeBase,
		TextureSpikeBase:     constants.TextureSpikeBase,
		WorkerCount:          0,
		AgeUnitMs:            constants.AgeUnitMs,
	}
}

// Normalize folds zero and negative knobs back to their defaults so a
// sparse override file only changes what it names.
func (o *Options) Normalize() {
	d := Default()
	if o.HotCacheCap <= 0 {
		o.HotCacheCap = d.HotCacheCap
	}
	if o.QueueMaxSize <= 0 {
		o.QueueMaxSize = d.QueueMaxSize
	}
	if o.SpecThreshold <= 0 {
		o.SpecThreshold = d.SpecThreshold
	}
	if o.MaxSpecDepth <= 0 {
		o.MaxSpecDepth = d.MaxSpecDepth
	}
	if o.GraceMs <= 0 {
		o.GraceMs = d.GraceMs
	}
	if o.ExtendedGraceMs <= 0 {
		o.ExtendedGraceMs = d.ExtendedGraceMs
	}
	if o.TransitionCooldownMs <= 0 {
		o.TransitionCooldownMs = d.TransitionCooldownMs
	}
	if o.SpikeFrameMs <= 0 {
		o.SpikeFrameMs = d.SpikeFrameMs
	}
	if o.ShaderSpikeBase <= 0 {
		o.ShaderSpikeBase = d.ShaderSpikeBase
	}
	if o.TextureSpikeBase <= 0 {
		o.TextureSpikeBase = d.TextureSpikeBase
	}
	if o.WorkerCount < 0 {
		o.WorkerCount = 0
	}
	if o.AgeUnitMs <= 0 {
		o.AgeUnitMs = d.AgeUnitMs
	}
}

// Load reads an options file. A missing file yields the defaults; a
// malformed file surfaces the decode error.
func Load(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Default(), err
	}

	opts := Default()
	if err := sonnet.Unmarshal(raw, &opts); err != nil {
		return Default(), err
	}
	opts.Normalize()
	return opts, nil
}

// Save writes the options file.
func Save(path string, opts Options) error {
	raw, err := sonnet.Marshal(&opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
