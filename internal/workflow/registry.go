package workflow

// Registry holds the ordered stages of the workflow.
type Registry struct {
	stages []*Stage
	byName map[string]*Stage
	byCol  map[string]*Stage
}

// NewRegistry builds the standard four-stage registry.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]*Stage),
		byCol:  make(map[string]*Stage),
	}
	for _, s := range []*Stage{
		newResearchStage(),
		newPlanStage(),
		newImplementStage(),
		newValidateStage(),
	} {
		r.stages = append(r.stages, s)
		r.byName[s.Name()] = s
		r.byCol[s.Column()] = s
	}
	return r
}

// Stages returns the stages in workflow order.
func (r *Registry) Stages() []*Stage {
	out := make([]*Stage, len(r.stages))
	copy(out, r.stages)
	return out
}

// ByName returns the stage with the given name, or nil.
func (r *Registry) ByName(name string) *Stage {
	return r.byName[name]
}

// ForColumn returns the stage whose board column is col, or nil for
// columns with no stage (Backlog, Done).
func (r *Registry) ForColumn(col string) *Stage {
	return r.byCol[col]
}

// Predecessor returns the stage before s, or nil for the first stage.
func (r *Registry) Predecessor(s *Stage) *Stage {
	for i, st := range r.stages {
		if st == s {
			if i == 0 {
				return nil
			}
			return r.stages[i-1]
		}
	}
	return nil
}

// RunningLabels returns every stage's running label.
func (r *Registry) RunningLabels() []string {
	out := make([]string, 0, len(r.stages))
	for _, s := range r.stages {
		out = append(out, s.RunningLabel())
	}
	return out
}

// CompleteLabels returns every stage's complete label.
func (r *Registry) CompleteLabels() []string {
	out := make([]string, 0, len(r.stages))
	for _, s := range r.stages {
		out = append(out, s.CompleteLabel())
	}
	return out
}

// FailedLabels returns every stage's failure label.
func (r *Registry) FailedLabels() []string {
	out := make([]string, 0, len(r.stages))
	for _, s := range r.stages {
		out = append(out, s.FailedLabel())
	}
	return out
}
