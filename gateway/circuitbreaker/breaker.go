package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codepod-dev/codepod/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config 熔断器配置
type Config struct {
	// CallTimeout 单次调用超时时间
	CallTimeout time.Duration

	// ErrorThresholdPct 错误率阈值（百分比），窗口内错误率达到该值即熔断
	ErrorThresholdPct float64

	// ResetTimeout 熔断恢复等待时间（从 OPEN -> HALF_OPEN）
	ResetTimeout time.Duration

	// MinSuccessesToClose 半开状态下连续成功多少次后关闭
	MinSuccessesToClose int

	// OnStateChange 状态变更回调
	OnStateChange func(from State, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		CallTimeout:         30 * time.Second,
		ErrorThresholdPct:   50,
		ResetTimeout:        60 * time.Second,
		MinSuccessesToClose: 3,
	}
}

// Stats 熔断器生命周期统计
type Stats struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	Requests      int       `json:"requests"`
	TotalRequests int64     `json:"total_requests"`
	TotalFailures int64     `json:"total_failures"`
	NextAttempt   time.Time `json:"next_attempt,omitempty"`
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Execute 执行调用，熔断器打开时快速失败并返回 CIRCUIT_OPEN 错误
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithResult 执行调用并返回结果
	ExecuteWithResult(ctx context.Context, fn func() (any, error)) (any, error)

	// State 获取当前状态
	State() State

	// Stats 返回当前计数与生命周期统计
	Stats() Stats

	// ForceOpen 运维强制打开熔断器
	ForceOpen()

	// ForceClose 运维强制关闭熔断器并重置计数
	ForceClose()
}

// breaker 熔断器实现
type breaker struct {
	name   string
	config *Config
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	failures     int // 当前窗口失败数
	successes    int // 半开状态下的连续成功数
	requests     int // 当前窗口请求数
	nextAttempt  time.Time
	totalReqs    int64
	totalFails   int64
	now          func() time.Time // 可注入时钟，便于测试
}

// New 创建熔断器。name 用于日志标识（通常是 Provider 名称）。
func New(name string, config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}

	// 参数校验
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if config.ErrorThresholdPct <= 0 || config.ErrorThresholdPct > 100 {
		config.ErrorThresholdPct = 50
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.MinSuccessesToClose <= 0 {
		config.MinSuccessesToClose = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &breaker{
		name:   name,
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("name", name)),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute 实现 CircuitBreaker.Execute
func (b *breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := b.ExecuteWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// ExecuteWithResult 实现 CircuitBreaker.ExecuteWithResult
// 核心逻辑：状态机转换 + 错误率计数 + 超时控制
func (b *breaker) ExecuteWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	// 独立的调用超时，叠加于调用方 context 之上
	callCtx, cancel := context.WithTimeout(ctx, b.config.CallTimeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		b.afterCall(false)
		return nil, types.NewError(types.ErrUpstreamTimeout, fmt.Sprintf("call timed out after %s", b.config.CallTimeout)).
			WithRetryable(true).
			WithCause(callCtx.Err())

	case res := <-resultCh:
		b.afterCall(res.err == nil)
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

// beforeCall 调用前检查，必要时进行 OPEN -> HALF_OPEN 迁移
func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		b.requests++
		b.totalReqs++
		return nil

	case StateOpen:
		now := b.now()
		if now.Before(b.nextAttempt) {
			retryAfter := b.nextAttempt.Sub(now)
			return types.NewError(types.ErrCircuitOpen, fmt.Sprintf("circuit breaker %s is open", b.name)).
				WithRetryAfter(retryAfter)
		}

		// 熔断窗口结束，首个请求进入半开试探
		b.setState(StateHalfOpen)
		b.successes = 0
		b.requests = 1
		b.totalReqs++
		b.logger.Info("circuit breaker half-open, probing")
		return nil

	default:
		return types.NewError(types.ErrInternal, fmt.Sprintf("unknown circuit state: %v", b.state))
	}
}

// afterCall 调用后处理
func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// onSuccess 处理成功调用
func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		// 关闭状态下成功不需要额外处理

	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.MinSuccessesToClose {
			b.logger.Info("circuit breaker recovered",
				zap.Int("successes", b.successes),
			)
			b.setState(StateClosed)
			b.resetCounters()
		}

	case StateOpen:
		b.logger.Warn("success observed while circuit open")
	}
}

// onFailure 处理失败调用
func (b *breaker) onFailure() {
	b.failures++
	b.totalFails++

	switch b.state {
	case StateClosed:
		// 错误率达到阈值即熔断
		if b.requests > 0 {
			errorRate := float64(b.failures) / float64(b.requests) * 100
			if errorRate >= b.config.ErrorThresholdPct {
				b.logger.Warn("circuit breaker tripped",
					zap.Float64("error_rate_pct", errorRate),
					zap.Int("failures", b.failures),
					zap.Int("requests", b.requests),
				)
				b.trip()
			}
		}

	case StateHalfOpen:
		// 半开状态下单次失败立即重新熔断
		b.logger.Warn("circuit breaker re-opened from half-open")
		b.trip()

	case StateOpen:
		b.logger.Warn("failure observed while circuit open")
	}
}

// trip 进入 OPEN 状态并设置下次试探时间
func (b *breaker) trip() {
	b.setState(StateOpen)
	b.nextAttempt = b.now().Add(b.config.ResetTimeout)
	b.successes = 0
}

// resetCounters 清空当前窗口计数（进入 CLOSED 时调用）
func (b *breaker) resetCounters() {
	b.failures = 0
	b.successes = 0
	b.requests = 0
}

// setState 设置状态并触发回调
func (b *breaker) setState(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats 实现 CircuitBreaker.Stats
func (b *breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		Requests:      b.requests,
		TotalRequests: b.totalReqs,
		TotalFailures: b.totalFails,
		NextAttempt:   b.nextAttempt,
	}
}

// ForceOpen 实现 CircuitBreaker.ForceOpen
func (b *breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Warn("circuit breaker forced open")
	b.trip()
}

// ForceClose 实现 CircuitBreaker.ForceClose
func (b *breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("circuit breaker forced closed", zap.String("from_state", b.state.String()))
	b.setState(StateClosed)
	b.resetCounters()
}
