package queue

import "fmt"

// Redis layout of a named queue.
const (
	keyJobPrefix = "q:job:"
	keyWait      = "q:%s:wait"      // ZSET id -> priority score
	keyDelayed   = "q:%s:delayed"   // ZSET id -> due unix ms
	keyActive    = "q:%s:active"    // ZSET id -> lease deadline unix ms
	keyCompleted = "q:%s:completed" // LIST newest first
	keyFailed    = "q:%s:failed"    // LIST newest first
	keyLimiter   = "q:%s:limiter"
)

func jobKey(id string) string { return keyJobPrefix + id }

type keys struct {
	wait, delayed, active, completed, failed, limiter string
}

func keysFor(queue string) keys {
	return keys{
		wait:      fmt.Sprintf(keyWait, queue),
		delayed:   fmt.Sprintf(keyDelayed, queue),
		active:    fmt.Sprintf(keyActive, queue),
		completed: fmt.Sprintf(keyCompleted, queue),
		failed:    fmt.Sprintf(keyFailed, queue),
		limiter:   fmt.Sprintf(keyLimiter, queue),
	}
}
