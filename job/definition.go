package job

// Definition is a submittable job template: a name, a target selector,
// and the ordered steps to apply. Definitions are what operators hand
// to the submission interface, what orchestration files parse into, and
// what schedule entries replay on a cadence.
type Definition struct {
	// Name labels jobs created from this definition.
	Name string `json:"name"`

	// Selector chooses the targets, resolved against the connected
	// fleet at each submission.
	Selector Selector `json:"selector"`

	// Steps run in order on every selected target.
	Steps []Step `json:"steps"`
}

// NewDefinition creates a job definition.
func NewDefinition(name string, selector Selector, steps ...Step) *Definition {
	return &Definition{
		Name:     name,
		Selector: selector,
		Steps:    steps,
	}
}
