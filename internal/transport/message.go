package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrTransportClosed is returned to callers waiting on a transport that is
// shutting down.
var ErrTransportClosed = errors.New("transport is closed")

// Header names stamped on every task message.
const (
	HeaderTaskID  = "task_id"
	HeaderShardID = "shard_id"
)

// Integration identifies what a task asks the worker to run.
type Integration struct {
	// Key selects the integration; pinned consumers are looked up by it.
	Key         string `json:"key"`
	OperationID string `json:"operationId,omitempty"`
	// Block is the registry name of the block to execute.
	Block string `json:"block,omitempty"`
}

// JobContext travels with a task so a worker can attribute its logs.
type JobContext struct {
	JobID      string `json:"jobId,omitempty"`
	GraphID    string `json:"graphId,omitempty"`
	NodeID     string `json:"nodeId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// TaskMessage is the envelope published to a task queue.
type TaskMessage struct {
	TaskID      string          `json:"taskId,omitempty"`
	ShardID     string          `json:"shardId,omitempty"`
	Integration Integration     `json:"integration"`
	Body        json.RawMessage `json:"body,omitempty"`
	JobContext  *JobContext     `json:"jobContext,omitempty"`
}

// Server describes the worker that produced a result.
type Server struct {
	Hostname string `json:"hostname"`
	Protocol string `json:"protocol"`
}

// ErrorPayload is the failure half of a Result.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Result is the envelope a worker publishes back to the caller's shard.
type Result struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
	Server Server          `json:"server"`
}

// RemoteError is returned by PublishAwaitable when the worker reported a
// failure.
type RemoteError struct {
	TaskID  string
	Message string
	Code    string
	Server  Server
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote task %s failed on %s [%s]: %s", e.TaskID, e.Server.Hostname, e.Code, e.Message)
	}
	return fmt.Sprintf("remote task %s failed on %s: %s", e.TaskID, e.Server.Hostname, e.Message)
}

// ResultRoutingKey is the routing key (and queue name) results for shardID
// are published under.
func ResultRoutingKey(shardID string) string {
	return "results." + shardID
}
