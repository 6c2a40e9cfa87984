package schema

// Run event types recorded in the append-only execution journal and mirrored
// to the broadcast hub.
const (
	EventNodeStarted       = "node_started"
	EventNodeCompleted     = "node_completed"
	EventNodeFailed        = "node_failed"
	EventVariableStored    = "variable_stored"
	EventBranchTaken       = "branch_taken"
	EventBranchNotTaken    = "branch_not_taken"
	EventLoopIterStarted   = "loop_iteration_started"
	EventLoopIterCompleted = "loop_iteration_completed"
	EventLoopCompleted     = "loop_completed"
	EventGroupCompleted    = "group_completed"
)
