package models

import "time"

// UploadLink is a capability token granting time- and usage-bounded
// permission to ingest files into a project.
type UploadLink struct {
	ID        string
	Token     string
	ProjectID string
	ExpiresAt time.Time
	// MaxUses is nil when the link has no usage cap.
	MaxUses   *int
	UsedCount int
	IsActive  bool
	CreatedAt time.Time
}

// Unlimited is returned by Remaining for links without a usage cap.
const Unlimited = -1

// Remaining returns how many uses are left, or Unlimited.
func (l *UploadLink) Remaining() int {
	if l.MaxUses == nil {
		return Unlimited
	}
	if r := *l.MaxUses - l.UsedCount; r > 0 {
		return r
	}
	return 0
}

// Usable reports whether the link may be used at now.
func (l *UploadLink) Usable(now time.Time) bool {
	return l.IsActive && now.Before(l.ExpiresAt) && l.Remaining() != 0
}

// Allows reports whether n more uses fit in the link's cap.
func (l *UploadLink) Allows(n int) bool {
	r := l.Remaining()
	return r == Unlimited || n <= r
}
