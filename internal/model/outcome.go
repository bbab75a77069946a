package model

// Outcome is the durable result of one fetch attempt, as stored in the ledger.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeEmpty     Outcome = "empty" // valid but empty body; not a success
)

// State tracks a coordinate through the crawl.
type State string

const (
	StatePending   State = "pending"
	StateFetching  State = "fetching"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateEmpty     State = "empty"
)
