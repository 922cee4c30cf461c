package models

import "time"

// TaskListFilter represents query parameters for listing tasks
type TaskListFilter struct {
	Status   string `form:"status"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Limit    int    `form:"limit"` // Deprecated: overrides Page/PageSize when > 0
}

// TaskSearchFilter represents query parameters for searching tasks by name
type TaskSearchFilter struct {
	Name   string `form:"name"`
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

// TaskListResponse is a page of tasks, newest first
type TaskListResponse struct {
	Tasks      []AnalysisTask `json:"tasks"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalPages int            `json:"total_pages"`
}

// TaskSearchResponse holds name-search matches
type TaskSearchResponse struct {
	Tasks []AnalysisTask `json:"tasks"`
	Total int            `json:"total"`
}

// TaskResult is the final analysis text of a completed task together with the
// merged per-image aggregate it was produced from.
type TaskResult struct {
	TaskID        string     `json:"task_id"`
	Status        TaskStatus `json:"status"`
	ResultFile    string     `json:"result_file"`
	Content       string     `json:"content"`
	Size          int64      `json:"size"`
	MergedFile    string     `json:"merged_file,omitempty"`
	MergedContent string     `json:"merged_content,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
