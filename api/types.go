package api

import "time"

// ExecuteRequest 代码执行请求。input 是 stdin 的历史别名。
type ExecuteRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Stdin    string `json:"stdin,omitempty"`
	Input    string `json:"input,omitempty"`
	// TimeoutMS 可选请求级超时，毫秒；超过语言上限时被钳制
	TimeoutMS int `json:"timeout,omitempty"`
}

// ExecuteResponse 代码执行结果
type ExecuteResponse struct {
	Success       bool      `json:"success"`
	Language      string    `json:"language"`
	Output        string    `json:"output"`
	Error         string    `json:"error,omitempty"`
	ExitCode      int       `json:"exitCode"`
	TimedOut      bool      `json:"timedOut,omitempty"`
	ExecutionTime int64     `json:"executionTime"` // 毫秒
	Timestamp     time.Time `json:"timestamp"`
}

// LanguageInfo is one row of the languages listing.
type LanguageInfo struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	FileExtension string  `json:"fileExtension"`
	TimeoutMS     int64   `json:"timeout"`
	MemoryLimitMB int64   `json:"memoryLimit"`
	CPULimit      float64 `json:"cpuLimit"`
}

// LanguagesResponse 支持的语言列表
type LanguagesResponse struct {
	Success   bool           `json:"success"`
	Count     int            `json:"count"`
	Languages []LanguageInfo `json:"languages"`
}

// DockerStatus mirrors the runtime probe state on /health.
type DockerStatus struct {
	Available           bool      `json:"available"`
	LastChecked         time.Time `json:"lastChecked"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	BackoffActive       bool      `json:"backoffActive"`
}

// HealthResponse GET /health 响应
type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Uptime    float64      `json:"uptime"` // 秒
	Version   string       `json:"version"`
	Docker    DockerStatus `json:"docker"`
}

// SystemResponse GET /api/system 响应
type SystemResponse struct {
	Success        bool             `json:"success"`
	Uptime         float64          `json:"uptime"`
	GoVersion      string           `json:"goVersion"`
	Goroutines     int              `json:"goroutines"`
	MemoryAllocMB  float64          `json:"memoryAllocMb"`
	Languages      int              `json:"languages"`
	ActiveSessions int              `json:"activeSessions"`
	Executions     map[string]int64 `json:"executions"`
}

// ChatRequest AI 聊天请求
type ChatRequest struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// ChatMetadata 聊天响应元数据
type ChatMetadata struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model,omitempty"`
	TokensUsed   int     `json:"tokensUsed"`
	Cost         float64 `json:"cost"`
	LatencyMS    int64   `json:"latency"`
	RequestID    string  `json:"requestId"`
	IsCached     bool    `json:"isCached"`
	IsFallback   bool    `json:"isFallback"`
	FallbackType string  `json:"fallbackType,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// ChatResponse AI 聊天响应
type ChatResponse struct {
	Success  bool         `json:"success"`
	Response string       `json:"response"`
	Metadata ChatMetadata `json:"metadata"`
}

// ForceHealthRequest 管理端点：强制熔断器开合
type ForceHealthRequest struct {
	Provider string `json:"provider"`
	Open     bool   `json:"open"`
}
