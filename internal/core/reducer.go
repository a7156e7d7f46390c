package core

// MissionPatch is the partial update a graph node returns. Every field is a
// reducer "slot": pointer / `*[]T` fields are absent (nil) when the node did
// not touch that field, and present (even if pointing at a zero value or an
// empty slice) when it did. Plain `[]T` slices use append/union-append
// semantics, where a nil or empty patch slice is always a no-op, so they do
// not need the presence/absence distinction.
//
// This is the one and only way MissionState is mutated; ApplyPatch
// is the reducer.
type MissionPatch struct {
	MissionID             *string
	ThreadID              *string
	Request               *string
	Classification        *Classification
	ProjectContext        *ProjectContext
	ClarifyingQuestions   *ClarifyingQuestions
	ClarifyingAnswers     *string
	ProductSpec           *ProductSpec
	Tasks                 *[]*Task // replace
	ExecutionStrategy     *ExecutionStrategy
	WaveTaskIDs           *[]TaskID // replace
	WaveCount             *int      // monotonic
	WaveDispatchResults   *[]WaveDispatchResult // replace (per wave)
	CompletedTaskIDs      []TaskID              // union-append
	Sandboxes             []SandboxInfo         // append
	TestResults           []TestResult          // append
	ReviewFeedback        []ReviewFeedback      // append
	RetryContext          *string               // last-write
	ClearRetryContext     bool                  // last-write to ""
	Errors                []string              // append
	Status                *MissionStatus        // last-write, DAG-validated
	Metrics               *MissionMetrics
	DeploymentURL         *string
	ManifestCreatedByTask *bool
}

// ApplyPatch merges patch into state according to each field's reducer and
// returns the resulting state. It never mutates state in place; the caller
// receives a new value built from state.Clone().
//
// ApplyPatch is associative and idempotent for patches touching only
// last-write or union-append fields: applying the same patch twice
// in a row produces the same state as applying it once, because last-write
// replaces unconditionally and union-append dedupes by id.
func ApplyPatch(state *MissionState, patch MissionPatch) (*MissionState, error) {
	next := state.Clone()

	if patch.MissionID != nil {
		next.MissionID = *patch.MissionID
	}
	if patch.ThreadID != nil {
		next.ThreadID = *patch.ThreadID
	}
	if patch.Request != nil {
		next.Request = *patch.Request
	}
	if patch.Classification != nil {
		c := *patch.Classification
		next.Classification = &c
	}
	if patch.ProjectContext != nil {
		c := *patch.ProjectContext
		next.ProjectContext = &c
	}
	if patch.ClarifyingQuestions != nil {
		c := *patch.ClarifyingQuestions
		next.ClarifyingQuestions = &c
	}
	if patch.ClarifyingAnswers != nil {
		v := *patch.ClarifyingAnswers
		next.ClarifyingAnswers = &v
	}
	if patch.ProductSpec != nil {
		c := *patch.ProductSpec
		next.ProductSpec = &c
	}
	if patch.Tasks != nil {
		next.Tasks = append([]*Task{}, (*patch.Tasks)...)
		if err := validateTaskSet(next.Tasks); err != nil {
			return nil, err
		}
	}
	if patch.ExecutionStrategy != nil {
		next.ExecutionStrategy = *patch.ExecutionStrategy
	}
	if patch.WaveTaskIDs != nil {
		ids := *patch.WaveTaskIDs
		if len(ids) > 0 {
			completed := next.CompletedSet()
			for _, id := range ids {
				if completed[id] {
					return nil, ErrInvariantViolation(CodeInvalidState,
						"wave_task_ids contains an already-completed task: "+string(id))
				}
			}
		}
		next.WaveTaskIDs = append([]TaskID{}, ids...)
	}
	if patch.WaveCount != nil {
		if *patch.WaveCount > next.WaveCount {
			next.WaveCount = *patch.WaveCount
		}
	}
	if patch.WaveDispatchResults != nil {
		next.WaveDispatchResults = append([]WaveDispatchResult{}, (*patch.WaveDispatchResults)...)
	}
	if len(patch.CompletedTaskIDs) > 0 {
		next.CompletedTaskIDs = unionAppend(next.CompletedTaskIDs, patch.CompletedTaskIDs)
	}
	if len(patch.Sandboxes) > 0 {
		next.Sandboxes = append(next.Sandboxes, patch.Sandboxes...)
	}
	if len(patch.TestResults) > 0 {
		next.TestResults = append(next.TestResults, patch.TestResults...)
	}
	if len(patch.ReviewFeedback) > 0 {
		next.ReviewFeedback = append(next.ReviewFeedback, patch.ReviewFeedback...)
	}
	if patch.RetryContext != nil {
		next.RetryContext = *patch.RetryContext
	} else if patch.ClearRetryContext {
		next.RetryContext = ""
	}
	if len(patch.Errors) > 0 {
		next.Errors = append(next.Errors, patch.Errors...)
	}
	if patch.Status != nil {
		if err := ValidateTransition(next.Status, *patch.Status); err != nil {
			return nil, err
		}
		next.Status = *patch.Status
	}
	if patch.Metrics != nil {
		m := *patch.Metrics
		next.Metrics = &m
	}
	if patch.DeploymentURL != nil {
		next.DeploymentURL = *patch.DeploymentURL
	}
	if patch.ManifestCreatedByTask != nil {
		next.ManifestCreatedByTask = *patch.ManifestCreatedByTask
	}

	return next, nil
}

// unionAppend merges additions into existing, preserving the first-seen
// insertion order and deduplicating.
func unionAppend(existing, additions []TaskID) []TaskID {
	seen := make(map[TaskID]bool, len(existing))
	out := append([]TaskID{}, existing...)
	for _, id := range out {
		seen[id] = true
	}
	for _, id := range additions {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// validateTaskSet enforces id uniqueness and that every dependency refers to
// a known task id.
func validateTaskSet(tasks []*Task) error {
	ids := make(map[TaskID]bool, len(tasks))
	for _, t := range tasks {
		if ids[t.ID] {
			return ErrInvariantViolation(CodeInvalidState, "duplicate task id: "+string(t.ID))
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return ErrInvariantViolation(CodeInvalidState,
					"task "+string(t.ID)+" depends on unknown task "+string(dep))
			}
		}
	}
	return nil
}
