package chorus

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string. External ids and claim instance ids
// need to sort by creation time, which rules out v4.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix is the ledger's timestamp source, Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
