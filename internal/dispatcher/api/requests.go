package api

import "time"

// StartBuildRequest is the body of POST /api/start-build. Store credentials
// are forwarded to the worker process; the dispatcher never logs them.
type StartBuildRequest struct {
	BuildID     string `json:"buildId" binding:"required"`
	StoreURL    string `json:"storeUrl" binding:"required"`
	AnonKey     string `json:"anonKey" binding:"required"`
	AccessToken string `json:"accessToken"`
	ServiceKey  string `json:"serviceKey"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	UptimeSeconds int64  `json:"uptimeSeconds"`
	MemoryBytes   uint64 `json:"memoryBytes"`
	DiskFreeBytes uint64 `json:"diskFreeBytes"`
	ActiveBuilds  int    `json:"activeBuilds"`
}

// BuildResponse is one entry of GET /api/builds.
type BuildResponse struct {
	BuildID     string    `json:"buildId"`
	PID         int       `json:"pid"`
	Port        *int      `json:"port,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CurrentStep *int      `json:"currentStep,omitempty"`
}

// PreviewResponse is the body of POST /api/builds/:id/preview.
type PreviewResponse struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// LogEvent is one streamed log row on the WebSocket endpoint.
type LogEvent struct {
	ID        string    `json:"id"`
	StepID    string    `json:"stepId,omitempty"`
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
