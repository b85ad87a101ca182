package models

// DetectorState is the implicit lifecycle shared by the stateful detectors
// (wash-trading graph view, pattern analyzer history). Transitions happen as
// samples are inserted and evicted; there is no external control.
//
//	EMPTY → WARMING (insufficient samples) → ACTIVE → (all evicted) → EMPTY
type DetectorState string

const (
	StateEmpty   DetectorState = "EMPTY"
	StateWarming DetectorState = "WARMING"
	StateActive  DetectorState = "ACTIVE"
)

// DetectorStateFor derives the lifecycle state from the current sample count
// and the minimum required for statistically meaningful output.
func DetectorStateFor(samples, minSamples int) DetectorState {
	switch {
	case samples == 0:
		return StateEmpty
	case samples < minSamples:
		return StateWarming
	default:
		return StateActive
	}
}
