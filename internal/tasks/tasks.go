// Package tasks connects the request lifecycle to the asynq broker: it
// enqueues work, runs the worker handlers, inspects queue state and sweeps
// requests that have been processing for too long.
package tasks

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	TypeProcessRequest = "request:process"
	TypeRunExport      = "export:run"
)

type requestPayload struct {
	RequestID string `json:"request_id"`
	Attempt   int    `json:"attempt"`
}

type exportPayload struct {
	Kind string `json:"kind"`
}

// RequestTaskID is the broker task id for one attempt of a request. The
// broker rejects a second task with the same id, so an attempt is
// dispatched at most once.
func RequestTaskID(requestID string, attempt int) string {
	return fmt.Sprintf("req-%s-%d", requestID, attempt)
}

var requestTaskPattern = regexp.MustCompile(`^req-([0-9a-f-]{36})-(\d+)$`)

// ParseRequestTaskID is the inverse of RequestTaskID.
func ParseRequestTaskID(taskID string) (requestID string, attempt int, ok bool) {
	m := requestTaskPattern.FindStringSubmatch(taskID)
	if m == nil {
		return "", 0, false
	}
	attempt, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], attempt, true
}

// RedisOpt turns REDIS_URL into asynq connection options. Both a bare
// host:port and a redis:// URI are accepted.
func RedisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	if strings.Contains(redisURL, "://") {
		return asynq.ParseRedisURI(redisURL)
	}
	return asynq.RedisClientOpt{Addr: redisURL}, nil
}

// WorkerName identifies this process the way the broker lists servers.
func WorkerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func processedKey(worker string) string {
	return "workers:processed:" + worker
}
