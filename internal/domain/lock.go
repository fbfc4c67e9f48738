package domain

import "time"

// DefaultShortLockExpiry bounds how long a crashed holder can keep a sharing group locked.
const DefaultShortLockExpiry = 60 * time.Second

// ShortLock is the ShortLocks row held while a sharing group's staged uploads are transferred.
// At most one row exists per key; a second insert fails on the uniqueness constraint.
type ShortLock struct {
	// Key is the sharing group UUID (or a named, process-wide key such as the uploader's).
	Key string `json:"key"`

	// Holder identifies the holder of the lock, a token of one acquisition.
	Holder string `json:"holder"`

	// Expiry is when the row becomes stale and may be reclaimed.
	Expiry time.Time `json:"expiry"`
}

// IsStale reports whether the lock expired before now.
func (l *ShortLock) IsStale(now time.Time) bool {
	return l.Expiry.Before(now)
}
