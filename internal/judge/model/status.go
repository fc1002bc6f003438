package model

// JudgeStatus is the live progress snapshot served to clients and cached in Redis.
type JudgeStatus struct {
	SubmissionID string `json:"submissionId"`
	State        string `json:"state"`
	Status       string `json:"status,omitempty"`
	Language     string `json:"language,omitempty"`
	TotalTests   int    `json:"totalTests"`
	DoneTests    int    `json:"doneTests"`
	Score        *int   `json:"score,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ReceivedAt   int64  `json:"receivedAt,omitempty"`
	UpdatedAt    int64  `json:"updatedAt"`
}
