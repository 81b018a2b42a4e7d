package timebase

import (
	"errors"
	"fmt"
	"time"
)

// ErrAnchorResolution reports that no dataset-side anchor could be chosen.
// Sessions must not start when anchor resolution fails.
var ErrAnchorResolution = errors.New("timebase: anchor resolution failed")

// Mode selects how the simulation-side anchor is chosen.
type Mode string

const (
	ModeRealtime     Mode = "realtime"
	ModeManual       Mode = "manual"
	ModeQueryDerived Mode = "query_derived"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeRealtime, ModeManual, ModeQueryDerived:
		return true
	default:
		return false
	}
}

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown time mapping mode: %q", s)
	}
	return m, nil
}

// Strategy selects the dataset-side anchor.
type Strategy string

const (
	StrategyFaultStart     Strategy = "fault_start"
	StrategyFaultDetection Strategy = "fault_detection"
	StrategyDataStart      Strategy = "data_start"
	StrategyCustom         Strategy = "custom"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyFaultStart, StrategyFaultDetection, StrategyDataStart, StrategyCustom:
		return true
	default:
		return false
	}
}

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown anchor strategy: %q", s)
	}
	return st, nil
}

const defaultHistorySeconds = 1800

// AnchorConfig is the remapping policy for one session.
type AnchorConfig struct {
	Mode     Mode
	Strategy Strategy

	// SimulationStart supplies the simulation-side anchor in manual mode.
	SimulationStart time.Time

	// AnchorOriginal supplies the dataset-side anchor for the custom
	// strategy. Zero means "default to the fault start".
	AnchorOriginal float64

	// OffsetSeconds is added to the computed offset after anchoring.
	OffsetSeconds float64

	// HistorySeconds is the pre-anchor window replayed as history.
	// Zero selects the 30 minute default.
	HistorySeconds float64
}

// AnchorSource carries the dataset-side timestamps a strategy may need.
// Zero values mean "not available".
type AnchorSource struct {
	FaultStart     float64
	FirstDetection float64
	DataStart      float64
	WindowSeconds  float64
}

// Mapping is the resolved time mapping for one session. It is computed once
// at session start and read-only thereafter; Remap is a pure
// order-preserving shift.
type Mapping struct {
	Mode     Mode
	Strategy Strategy

	AnchorOriginal   float64
	AnchorSimulation float64
	Offset           float64

	HistorySeconds         float64
	HistoryStartOriginal   float64
	HistoryStartSimulation float64

	FaultStartSimulation float64
	FaultEndSimulation   float64
}

// Resolver computes Mappings. Now is injectable so realtime anchoring stays
// testable.
type Resolver struct {
	Now func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{Now: time.Now}
}

// Resolve picks both anchors per the configured mode and strategy and fixes
// the session offset.
func (r *Resolver) Resolve(cfg AnchorConfig, src AnchorSource) (Mapping, error) {
	if !cfg.Mode.Valid() {
		return Mapping{}, fmt.Errorf("unknown time mapping mode: %q", cfg.Mode)
	}
	if !cfg.Strategy.Valid() {
		return Mapping{}, fmt.Errorf("unknown anchor strategy: %q", cfg.Strategy)
	}

	anchorOriginal, err := resolveOriginal(cfg, src)
	if err != nil {
		return Mapping{}, err
	}

	anchorSimulation, err := r.resolveSimulation(cfg)
	if err != nil {
		return Mapping{}, err
	}

	history := cfg.HistorySeconds
	if history <= 0 {
		history = defaultHistorySeconds
	}

	offset := anchorSimulation - anchorOriginal + cfg.OffsetSeconds

	return Mapping{
		Mode:                   cfg.Mode,
		Strategy:               cfg.Strategy,
		AnchorOriginal:         anchorOriginal,
		AnchorSimulation:       anchorSimulation,
		Offset:                 offset,
		HistorySeconds:         history,
		HistoryStartOriginal:   anchorOriginal - history,
		HistoryStartSimulation: anchorSimulation - history,
		FaultStartSimulation:   anchorSimulation,
		FaultEndSimulation:     anchorSimulation + src.WindowSeconds,
	}, nil
}

func resolveOriginal(cfg AnchorConfig, src AnchorSource) (float64, error) {
	switch cfg.Strategy {
	case StrategyFaultStart:
		if src.FaultStart <= 0 {
			return 0, fmt.Errorf("%w: no fault start in source", ErrAnchorResolution)
		}
		return src.FaultStart, nil
	case StrategyFaultDetection:
		if src.FirstDetection > 0 {
			return src.FirstDetection, nil
		}
		if src.FaultStart > 0 {
			return src.FaultStart, nil
		}
		return 0, fmt.Errorf("%w: no detection or fault start in source", ErrAnchorResolution)
	case StrategyDataStart:
		if src.DataStart > 0 {
			return src.DataStart, nil
		}
		return 0, fmt.Errorf("%w: no data start in source", ErrAnchorResolution)
	case StrategyCustom:
		if cfg.AnchorOriginal > 0 {
			return cfg.AnchorOriginal, nil
		}
		if src.FaultStart > 0 {
			return src.FaultStart, nil
		}
		return 0, fmt.Errorf("%w: custom strategy requires anchor_original or a fault start", ErrAnchorResolution)
	default:
		return 0, fmt.Errorf("unknown anchor strategy: %q", cfg.Strategy)
	}
}

func (r *Resolver) resolveSimulation(cfg AnchorConfig) (float64, error) {
	switch cfg.Mode {
	case ModeRealtime, ModeQueryDerived:
		now := r.Now
		if now == nil {
			now = time.Now
		}
		return float64(now().Unix()), nil
	case ModeManual:
		if cfg.SimulationStart.IsZero() {
			return 0, fmt.Errorf("%w: manual mode requires simulation start time", ErrAnchorResolution)
		}
		return float64(cfg.SimulationStart.Unix()), nil
	default:
		return 0, fmt.Errorf("unknown time mapping mode: %q", cfg.Mode)
	}
}

// Remap shifts an original-dataset timestamp onto the simulation timeline.
func (m Mapping) Remap(originalTS float64) float64 {
	return originalTS + m.Offset
}

// Invert shifts a simulation timestamp back onto the dataset timeline.
func (m Mapping) Invert(simulationTS float64) float64 {
	return simulationTS - m.Offset
}

// IsHistory reports whether an original timestamp falls before the anchor
// and so belongs to the bulk-loaded history phase.
func (m Mapping) IsHistory(originalTS float64) bool {
	return originalTS < m.AnchorOriginal
}

// InFaultWindow reports whether a simulation timestamp lies inside the
// remapped fault window.
func (m Mapping) InFaultWindow(simulationTS float64) bool {
	return simulationTS >= m.FaultStartSimulation && simulationTS <= m.FaultEndSimulation
}

// Summary renders the mapping for operator logs.
func (m Mapping) Summary() string {
	f := func(ts float64) string {
		return time.Unix(int64(ts), 0).UTC().Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf(
		"mode=%s strategy=%s anchor_original=%s anchor_simulation=%s offset=%.0fs history=%.0fs fault_end=%s",
		m.Mode, m.Strategy, f(m.AnchorOriginal), f(m.AnchorSimulation), m.Offset, m.HistorySeconds, f(m.FaultEndSimulation),
	)
}
