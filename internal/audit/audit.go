// Package audit writes audit-trail events into the event log. Records are
// fire-and-forget: handlers enqueue and move on, a background worker persists.
package audit

import (
	"github.com/google/uuid"
)

// Action categorizes audit records.
type Action string

const (
	ActionUserRegistered     Action = "user.registered"
	ActionUserLoggedIn       Action = "user.logged_in"
	ActionUserLoginFailed    Action = "user.login_failed"
	ActionTokenRefreshed     Action = "token.refreshed"
	ActionUserLoggedOut      Action = "user.logged_out"
	ActionAttachmentUploaded Action = "attachment.uploaded"
)

// Record is one audit fact to be appended to the event log. Subject is the
// aggregate the fact is about; an empty Subject means the record cannot be
// attributed and is deliberately dropped rather than logged.
type Record struct {
	Action         Action
	Subject        string
	SubjectType    string
	Payload        map[string]any
	OrganizationID uuid.NullUUID
	UserID         uuid.NullUUID
	SessionID      uuid.NullUUID
	CorrelationID  uuid.NullUUID
}
