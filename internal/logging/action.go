package logging

import (
	"fmt"
)

// ActionLogEntry is one t.log(...) call captured from a running action.
type ActionLogEntry struct {
	WorkerID  int           `json:"worker_id"`
	RequestID uint32        `json:"request_id"`
	Action    string        `json:"action"`
	Args      []interface{} `json:"args"`
}

// ActionLogger adapts the operational slog logger to jsruntime.Logger,
// giving every t.log call from inside an isolate a place to land. Entries
// are written to slog on the calling worker's goroutine.
type ActionLogger struct{}

// NewActionLogger returns the default action logger.
func NewActionLogger() *ActionLogger {
	return &ActionLogger{}
}

// ActionLog satisfies jsruntime.Logger.
func (a *ActionLogger) ActionLog(workerID int, requestID uint32, action string, args []interface{}) {
	Op().Info("action log",
		"worker", workerID,
		"request_id", requestID,
		"action", action,
		"args", fmt.Sprint(args...),
	)
}
