package model

import "time"

// ScheduledAction is a pending deferred reversal. At most one exists per
// (Kind, CommunityID, SubjectID).
type ScheduledAction struct {
	ID          int64
	Kind        ActionKind
	CommunityID string
	SubjectID   string
	ExecuteAt   time.Time
}
