package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("audioqueue:job:%s:status", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("audioqueue:ratelimit:%s", client)
}

func LockKey(name string) string {
	return fmt.Sprintf("audioqueue:lock:%s", name)
}

func QueueStatsKey() string {
	return "audioqueue:queues:stats"
}
