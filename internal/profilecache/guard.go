// Package profilecache decides whether a persisted profile snapshot may be
// shown to the signed-in account, and keeps that snapshot in a key-value
// storage namespace (one namespace per device).
package profilecache

import (
	"strings"
	"time"
)

const (
	DefaultFreshnessWindow = 5 * time.Minute

	BirthDateField = "birth_date"
)

// Record is an immutable profile snapshot. CachedAtMs <= 0 means the
// timestamp is missing.
type Record struct {
	ProfileData map[string]any
	OwnerID     string
	CachedAtMs  int64
}

// Verdict is the outcome of Check. Only Valid permits showing the snapshot.
type Verdict int

const (
	Valid Verdict = iota
	Missing
	OwnerMismatch
	Stale
	Incomplete
)

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Missing:
		return "missing"
	case OwnerMismatch:
		return "owner_mismatch"
	case Stale:
		return "stale"
	case Incomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Check never fails; anything malformed is reported as a non-Valid verdict.
// A record with an empty owner is accepted for any identity.
func Check(rec *Record, currentOwnerID string, now time.Time, window time.Duration) Verdict {
	if rec == nil || rec.CachedAtMs <= 0 {
		return Missing
	}
	if window <= 0 {
		window = DefaultFreshnessWindow
	}

	owner := strings.TrimSpace(rec.OwnerID)
	current := strings.TrimSpace(currentOwnerID)
	if owner != "" && current != "" && owner != current {
		return OwnerMismatch
	}
	if now.UnixMilli()-rec.CachedAtMs >= window.Milliseconds() {
		return Stale
	}
	if !truthy(rec.ProfileData[BirthDateField]) {
		return Incomplete
	}
	return Valid
}

// IsValid reports whether rec may be shown to currentOwnerID under the
// default freshness window.
func IsValid(rec *Record, currentOwnerID string, now time.Time) bool {
	return Check(rec, currentOwnerID, now, DefaultFreshnessWindow) == Valid
}

// IsValidWithin is IsValid with an explicit freshness window.
func IsValidWithin(rec *Record, currentOwnerID string, now time.Time, window time.Duration) bool {
	return Check(rec, currentOwnerID, now, window) == Valid
}

// Store stamps profileData with the owner and time. The map is copied so the
// caller can keep mutating its own.
func Store(profileData map[string]any, currentOwnerID string, now time.Time) Record {
	data := make(map[string]any, len(profileData))
	for key, value := range profileData {
		data[key] = value
	}
	return Record{
		ProfileData: data,
		OwnerID:     strings.TrimSpace(currentOwnerID),
		CachedAtMs:  now.UnixMilli(),
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return true
	}
}
