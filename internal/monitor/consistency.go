package monitor

// Action is the outcome of a pump/flow consistency check.
type Action int

const (
	ActionNone Action = iota
	ActionResetFlowSwitch
	ActionResetAndStop
	ActionStopMonitoring
)

func (a Action) String() string {
	switch a {
	case ActionResetFlowSwitch:
		return "reset_flow_switch"
	case ActionResetAndStop:
		return "reset_and_stop"
	case ActionStopMonitoring:
		return "stop_monitoring"
	default:
		return "none"
	}
}

// ResetsFlowSwitch reports whether the action includes a flow switch reset.
func (a Action) ResetsFlowSwitch() bool {
	return a == ActionResetFlowSwitch || a == ActionResetAndStop
}

// StopsMonitoring reports whether the action ends the session.
func (a Action) StopsMonitoring() bool {
	return a == ActionResetAndStop || a == ActionStopMonitoring
}

// Evaluate checks pump speed against the water-flow switch. Rules are
// checked in order and the first match wins:
//
//	rpm > threshold,      flow off -> reset flow switch
//	0 < rpm < threshold,  flow on  -> reset flow switch
//	rpm == 0,             flow off -> reset flow switch, then stop
//	rpm < threshold,      flow off -> stop
//
// An unset rpm or flow yields ActionNone.
func Evaluate(rpm Value, flow FlowState, threshold float64) Action {
	if !rpm.Set || flow == FlowUnset {
		return ActionNone
	}
	r := rpm.V
	switch {
	case r > threshold && flow == FlowOff:
		return ActionResetFlowSwitch
	case r > 0 && r < threshold && flow == FlowOn:
		return ActionResetFlowSwitch
	case r == 0 && flow == FlowOff:
		return ActionResetAndStop
	case r < threshold && flow == FlowOff:
		return ActionStopMonitoring
	}
	return ActionNone
}
