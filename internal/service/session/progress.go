package session

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

// ProgressStep is one named stage of content generation.
type ProgressStep struct {
	ID      string     `json:"id"`
	Message string     `json:"message"`
	Status  StepStatus `json:"status"`
}

const (
	stageAnalyze = iota
	stageSearch
	stageGenerate
	stageMatch
	stageFinalize
)

var stages = [...]ProgressStep{
	stageAnalyze:  {ID: "analyze", Message: "Analyzing your request"},
	stageSearch:   {ID: "search", Message: "Searching the knowledge base"},
	stageGenerate: {ID: "generate", Message: "Generating slide content"},
	stageMatch:    {ID: "match", Message: "Matching content to the template"},
	stageFinalize: {ID: "finalize", Message: "Finalizing the outline"},
}

// freshSteps starts a new attempt: the first stage running, the rest pending.
func freshSteps() []ProgressStep {
	steps := make([]ProgressStep, len(stages))
	for i, st := range stages {
		steps[i] = st
		steps[i].Status = StepPending
	}
	steps[0].Status = StepInProgress
	return steps
}

// active returns the index of the running stage, or -1.
func active(steps []ProgressStep) int {
	for i, st := range steps {
		if st.Status == StepInProgress {
			return i
		}
	}
	return -1
}

// furthest returns the index of the latest stage that has left Pending.
func furthest(steps []ProgressStep) int {
	last := -1
	for i, st := range steps {
		if st.Status != StepPending {
			last = i
		}
	}
	return last
}

// advanceTo moves the run to stage. Earlier unfinished stages complete; a
// stage at or behind the furthest one reached is ignored so statuses never
// regress. Reports whether anything changed.
func advanceTo(steps []ProgressStep, stage int) bool {
	if stage < 0 || stage >= len(steps) || stage <= furthest(steps) {
		return false
	}
	for i := 0; i < stage; i++ {
		if steps[i].Status == StepPending || steps[i].Status == StepInProgress {
			steps[i].Status = StepCompleted
		}
	}
	steps[stage].Status = StepInProgress
	return true
}

func completeAll(steps []ProgressStep) {
	for i := range steps {
		steps[i].Status = StepCompleted
	}
}

// failActive marks the running stage as failed; other stages keep their
// status.
func failActive(steps []ProgressStep) {
	if i := active(steps); i >= 0 {
		steps[i].Status = StepError
	}
}

func cloneSteps(steps []ProgressStep) []ProgressStep {
	if steps == nil {
		return nil
	}
	out := make([]ProgressStep, len(steps))
	copy(out, steps)
	return out
}
