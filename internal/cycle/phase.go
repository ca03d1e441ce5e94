package cycle

// Phase is one step of a cycle.
type Phase string

const (
	PhaseDataScan Phase = "data_scan"
	PhaseIdea     Phase = "idea"
	PhaseEdit     Phase = "edit"
	PhaseValidate Phase = "validate"
	PhaseReport   Phase = "report"
	// PhaseComplete marks a finished cycle and is never executed.
	PhaseComplete Phase = "complete"
)

var phaseOrder = []Phase{PhaseDataScan, PhaseIdea, PhaseEdit, PhaseValidate, PhaseReport}

// Phases returns the executable phases in order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

func (p Phase) String() string { return string(p) }

func phaseNames(phases []Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}
