package bus

// Row lifecycle topics.
const (
	TopicRowClaimed   = "row.claimed"
	TopicRowSkipped   = "row.skipped"
	TopicRowFinalized = "row.finalized"
)

// Helper process topics.
const (
	TopicHelpersRestarted = "helpers.restarted"
)

// RowEvent is published for every row the iteration controller touches or skips.
type RowEvent struct {
	RunID    string
	Workflow string
	Key      int64
	Status   string // status written to the row; empty for skips
	Outcome  string // done, needs_review, error, skipped
	Error    string
}

// HelpersRestartedEvent is published after a completed restart sequence.
type HelpersRestartedEvent struct {
	RunID    string
	Workflow string
	Restarts int // total restarts so far in this session
}
