package fsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionID is a process-unique identifier generated once at startup,
// appended to the lock holder string so two sessions on the same host (or
// the same hostname resolved differently) are still distinguishable in a
// lock file's lock_holder field.
var SessionID = uuid.NewString()

// EncodeLock serializes a LockInfo document.
func EncodeLock(holder string, now time.Time) ([]byte, error) {
	return json.Marshal(LockInfo{
		LockTime:   float64(now.UnixNano()) / 1e9,
		LockHolder: holder,
	})
}

// DecodeLock parses a LockInfo document.
func DecodeLock(data []byte) (LockInfo, error) {
	var li LockInfo
	if err := json.Unmarshal(data, &li); err != nil {
		return LockInfo{}, fmt.Errorf("fsync: parsing lock file: %w", err)
	}
	return li, nil
}

// IsStale reports whether a lock recorded at li.LockTime is older than
// maxAge as of now.
func (li LockInfo) IsStale(now time.Time, maxAge time.Duration) bool {
	lockTime := time.Unix(0, int64(li.LockTime*1e9))
	return now.Sub(lockTime) > maxAge
}
