package mcpserver

// CreateAnalysisArgs is the input for the create_analysis tool.
type CreateAnalysisArgs struct {
	CosPath        string `json:"cos_path" jsonschema:"Remote directory holding the settlement screenshots, e.g. egg/room/2025-10-15"`
	Prompt         string `json:"prompt" jsonschema:"Question or instruction for the final analysis"`
	Name           string `json:"name,omitempty" jsonschema:"Optional display name used by search"`
	ForceReanalyze bool   `json:"force_reanalyze,omitempty" jsonschema:"Re-run per-image extraction even when cached results exist"`
}

// CheckAnalysisArgs is the input for the check_analysis tool.
type CheckAnalysisArgs struct {
	TaskID string `json:"task_id" jsonschema:"ID returned by create_analysis"`
}

// ListAnalysesArgs is the input for the list_analyses tool.
type ListAnalysesArgs struct {
	Status string `json:"status,omitempty" jsonschema:"Only tasks in this status: pending, downloading, analyzing, merging, completed or failed"`
	Name   string `json:"name,omitempty" jsonschema:"Case-insensitive substring of the task name"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of tasks returned"`
}

// GetAnalysisResultArgs is the input for the get_analysis_result tool.
type GetAnalysisResultArgs struct {
	TaskID string `json:"task_id" jsonschema:"ID of a completed task"`
}

// TaskView is the per-task status returned by the task tools. It omits the
// result content; use get_analysis_result for that.
type TaskView struct {
	TaskID     string `json:"task_id"`
	Name       string `json:"name,omitempty"`
	CosPath    string `json:"cos_path"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	ResultFile string `json:"result_file,omitempty"`
	CacheUsed  bool   `json:"cache_used"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// ListAnalysesOutput holds the matched tasks, newest first.
type ListAnalysesOutput struct {
	Tasks []TaskView `json:"tasks"`
	Total int        `json:"total"`
}

// AnalysisResultOutput is the final analysis of a completed task.
type AnalysisResultOutput struct {
	TaskID        string `json:"task_id"`
	Content       string `json:"content"`
	Size          int64  `json:"size"`
	MergedContent string `json:"merged_content,omitempty"`
}
