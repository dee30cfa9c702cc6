package monitor

import "strconv"

// Snapshot is a copy of the tracked signals.
type Snapshot struct {
	ORP       Value
	PH        Value
	PumpRPM   Value
	WaterFlow FlowState
	PrevORP   Value
	PrevPH    Value
}

// Store holds the latest and previous readings. It is owned by a single
// Engine and is not safe for concurrent use.
type Store struct {
	snap Snapshot
}

func (s *Store) SetORP(v float64)          { s.snap.ORP = Some(v) }
func (s *Store) SetPH(v float64)           { s.snap.PH = Some(v) }
func (s *Store) SetPumpRPM(v float64)      { s.snap.PumpRPM = Some(v) }
func (s *Store) SetWaterFlow(st FlowState) { s.snap.WaterFlow = st }

// Snapshot returns a copy of the current readings.
func (s *Store) Snapshot() Snapshot {
	return s.snap
}

// rollPrevious copies the current ORP and pH into the previous slots.
// Only the monitoring tick calls this.
func (s *Store) rollPrevious() {
	s.snap.PrevORP = s.snap.ORP
	s.snap.PrevPH = s.snap.PH
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
