package storage

// Status is the outcome of a storage operation on a single entry.
type Status uint8

const (
	StatusOK Status = iota
	// StatusOKPrepared means the entry was staged and awaits a confirm.
	StatusOKPrepared
	// StatusFailed is a capacity or policy rejection.
	StatusFailed
	// StatusFailedNotAbsent means a put-if-absent found an existing entry.
	StatusFailedNotAbsent
	// StatusFailedSecurity means the domain or entry is owned by another key.
	StatusFailedSecurity
	// StatusVersionConflict means the write forked the version history.
	StatusVersionConflict
	StatusNotFound
)

func (s Status) IsOK() bool {
	return s == StatusOK || s == StatusOKPrepared
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusOKPrepared:
		return "ok-prepared"
	case StatusFailed:
		return "failed"
	case StatusFailedNotAbsent:
		return "failed-not-absent"
	case StatusFailedSecurity:
		return "failed-security"
	case StatusVersionConflict:
		return "version-conflict"
	case StatusNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}
