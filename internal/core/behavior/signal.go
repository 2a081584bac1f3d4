package behavior

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Signal is one behavioral indicator of automation. The set is closed.
type Signal uint8

const (
	HighRequestCount Signal = iota + 1
	HighPageCoverage
	SequentialNavigation
	MultipleFingerprintSessions
	RegularTiming
	HighPagesPerMinute
	OutdatedBrowser

	signalCount
)

var signalNames = [signalCount]string{
	HighRequestCount:            "high_request_count",
	HighPageCoverage:            "high_page_coverage",
	SequentialNavigation:        "sequential_navigation",
	MultipleFingerprintSessions: "multiple_fingerprint_sessions",
	RegularTiming:               "regular_timing",
	HighPagesPerMinute:          "high_pages_per_minute",
	OutdatedBrowser:             "outdated_browser",
}

// AllSignals lists every signal in evaluation order.
func AllSignals() []Signal {
	out := make([]Signal, 0, signalCount-1)
	for s := HighRequestCount; s < signalCount; s++ {
		out = append(out, s)
	}
	return out
}

func (s Signal) String() string {
	if s == 0 || s >= signalCount {
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
	return signalNames[s]
}

// ParseSignal resolves a signal by name.
func ParseSignal(name string) (Signal, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s := HighRequestCount; s < signalCount; s++ {
		if signalNames[s] == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown behavioral signal %q", name)
}

func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Weights holds one weight per signal, indexed by Signal.
type Weights [signalCount]int

// DefaultWeights are the documented default contributions.
func DefaultWeights() Weights {
	var w Weights
	w[HighRequestCount] = 30
	w[HighPageCoverage] = 25
	w[SequentialNavigation] = 20
	w[MultipleFingerprintSessions] = 20
	w[RegularTiming] = 15
	w[HighPagesPerMinute] = 15
	w[OutdatedBrowser] = 10
	return w
}

// WeightsFromMap starts from DefaultWeights and applies the named overrides.
func WeightsFromMap(m map[string]int) (Weights, error) {
	w := DefaultWeights()
	for name, weight := range m {
		s, err := ParseSignal(name)
		if err != nil {
			return w, err
		}
		if weight < 0 {
			return w, fmt.Errorf("weight for %s must not be negative", name)
		}
		w[s] = weight
	}
	return w, nil
}

// Map returns the weights keyed by signal name.
func (w Weights) Map() map[string]int {
	m := make(map[string]int, signalCount-1)
	for s := HighRequestCount; s < signalCount; s++ {
		m[signalNames[s]] = w[s]
	}
	return m
}

// Of returns the weight of one signal.
func (w Weights) Of(s Signal) int {
	if s == 0 || s >= signalCount {
		return 0
	}
	return w[s]
}

func (w Weights) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Map())
}

func (w *Weights) UnmarshalJSON(data []byte) error {
	var m map[string]int
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := WeightsFromMap(m)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// SignalSet is a bitmask of triggered signals; it is what gets persisted.
type SignalSet uint32

func (set SignalSet) With(s Signal) SignalSet {
	return set | 1<<s
}

func (set SignalSet) Has(s Signal) bool {
	return set&(1<<s) != 0
}

func (set SignalSet) Len() int {
	return bits.OnesCount32(uint32(set))
}

// Signals lists the members in evaluation order.
func (set SignalSet) Signals() []Signal {
	var out []Signal
	for s := HighRequestCount; s < signalCount; s++ {
		if set.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Names lists the member names, sorted.
func (set SignalSet) Names() []string {
	names := make([]string, 0, set.Len())
	for _, s := range set.Signals() {
		names = append(names, s.String())
	}
	sort.Strings(names)
	return names
}

func (set SignalSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(set.Names())
}
