package harness

// CallTrace is the outcome of one call in one run.
type CallTrace struct {
	Step   string   `json:"step"`
	Op     string   `json:"op"`
	Inputs []string `json:"inputs"`
	Status string   `json:"status"`
	Cached bool     `json:"cached"`
}

// RunTrace records one run of a scenario.
type RunTrace struct {
	// Run is 1-based.
	Run int `json:"run"`

	// Submissions lists the steps submitted at each barrier, in
	// submission order.
	Submissions [][]string `json:"submissions"`

	// Calls holds every call in the order it was made.
	Calls []CallTrace `json:"calls"`

	// Values maps step ids to materialized values.
	Values map[string]any `json:"values"`

	// Whiteboard maps field names to finalized values. Missing fields are
	// recorded as MissingValue.
	Whiteboard map[string]any `json:"whiteboard,omitempty"`

	// Error is the workflow error, if the run failed.
	Error string `json:"error,omitempty"`
}

// MissingValue stands for a whiteboard field that finalized without a
// value.
const MissingValue = "<missing>"

// Executed counts calls that ran.
func (r RunTrace) Executed() int {
	n := 0
	for _, c := range r.Calls {
		if c.Status == "COMPLETED" && !c.Cached {
			n++
		}
	}
	return n
}

// Cached counts calls skipped on a cache hit.
func (r RunTrace) Cached() int {
	n := 0
	for _, c := range r.Calls {
		if c.Cached {
			n++
		}
	}
	return n
}

// Submitted flattens the submissions.
func (r RunTrace) Submitted() []string {
	var out []string
	for _, s := range r.Submissions {
		out = append(out, s...)
	}
	return out
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	Runs []RunTrace `json:"runs"`

	// Errors contains assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Runs:   []RunTrace{},
		Errors: []string{},
	}
}

// AddError records an assertion failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Run returns run n (1-based), or the last run for n <= 0.
func (r *Result) Run(n int) (RunTrace, bool) {
	if len(r.Runs) == 0 {
		return RunTrace{}, false
	}
	if n <= 0 {
		return r.Runs[len(r.Runs)-1], true
	}
	if n > len(r.Runs) {
		return RunTrace{}, false
	}
	return r.Runs[n-1], true
}
