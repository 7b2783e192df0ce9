package jobs

import "errors"

var (
	ErrStopped      = errors.New("job manager stopped")
	ErrNilFunc      = errors.New("job Fn is nil")
	ErrKindRequired = errors.New("job Kind is required")
)

// ReasonMissingSelection is recorded as the error of a candidate failed because
// the oracle answered without naming any sampled job.
const ReasonMissingSelection = "llm_missing_selection"
