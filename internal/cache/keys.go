package cache

import (
	"fmt"

	"github.com/google/uuid"
)

const statsKey = "geoconvert:stats"

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("geoconvert:job:%s", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("geoconvert:ratelimit:%s", client)
}

// StatsKey is the key of the cached dashboard statistics.
func StatsKey() string {
	return statsKey
}
