package model

import "time"

// CaseRecord is one immutable entry in a community's audit ledger.
// Optional fields use their zero value for "absent": an empty SubjectID
// or Reason, a zero Duration, a nil ExpiresAt or Evidence.
type CaseRecord struct {
	CommunityID string
	CaseNumber  int64
	SubjectID   string
	ActorID     string
	Kind        ActionKind
	Reason      string
	Duration    time.Duration
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	Evidence    []byte
}

// HasSubject reports whether the action targeted a single member.
func (r CaseRecord) HasSubject() bool {
	return r.SubjectID != ""
}

// CaseFilter narrows a ledger query. Zero-valued fields are ignored and
// all set fields must match.
type CaseFilter struct {
	CommunityID   string
	SubjectID     string
	ActorID       string
	Kind          ActionKind
	CaseNumber    int64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}
