package service

import "fmt"

// ExtractionError indicates the classification call failed or timed out.
// Retriable: the job queue re-runs the job with backoff until the attempt
// limit.
type ExtractionError struct {
	TopicID string
	UserID  string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for topic %s user %s: %v", e.TopicID, e.UserID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
