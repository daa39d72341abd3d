package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/codepod-dev/codepod/types"
	"go.uber.org/zap"
)

// Policy 定义重试策略配置
type Policy struct {
	MaxRetries      int                                               // 最大重试次数（0 表示不重试）
	BaseDelay       time.Duration                                     // 初始延迟时间
	MaxDelay        time.Duration                                     // 最大延迟时间
	Multiplier      float64                                           // 延迟时间倍增因子（指数退避）
	Jitter          bool                                              // 是否添加随机抖动（防止雪崩）
	RetryableTokens []string                                          // 错误消息/错误码中匹配这些 token 则重试
	OnRetry         func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultRetryableTokens 默认可重试错误的特征 token（大小写不敏感）。
// 覆盖上游过载、限流、配额、超时与网络类错误。
func DefaultRetryableTokens() []string {
	return []string{
		"503",
		"service unavailable",
		"overloaded",
		"429",
		"rate limit",
		"quota",
		"timeout",
		"connection",
		"network",
		"econnreset",
	}
}

// DefaultPolicy 返回默认的重试策略
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:      3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableTokens: DefaultRetryableTokens(),
	}
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func() error) error

	// DoWithResult 执行函数并返回结果，失败时根据策略重试
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)

	// DoWithCondition 执行函数，成功结果满足 shouldRetry 谓词时也重试
	DoWithCondition(ctx context.Context, fn func() (any, error), shouldRetry func(result any) bool) (any, error)
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error // 可注入，便于测试
}

// New 创建指数退避重试器
func New(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}

	// 参数校验
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 1 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if policy.RetryableTokens == nil {
		policy.RetryableTokens = DefaultRetryableTokens()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &backoffRetryer{
		policy: policy,
		logger: logger.With(zap.String("component", "retry")),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	return r.DoWithCondition(ctx, fn, nil)
}

// DoWithCondition 实现 Retryer.DoWithCondition
// 核心重试逻辑：指数退避 + 均匀抖动 + token 分类
func (r *backoffRetryer) DoWithCondition(ctx context.Context, fn func() (any, error), shouldRetry func(result any) bool) (any, error) {
	var lastErr error
	var result any

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		// 第一次执行不延迟
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			if err := r.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("retry cancelled: %w", err)
			}
		}

		result, lastErr = fn()

		if lastErr == nil {
			// 成功结果仍可能按条件重试（如结果质量不达标）
			if shouldRetry != nil && shouldRetry(result) && attempt < r.policy.MaxRetries {
				r.logger.Debug("result rejected by condition, retrying",
					zap.Int("attempt", attempt),
				)
				continue
			}
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		if !r.IsRetryable(lastErr) {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return nil, lastErr
		}

		if attempt >= r.policy.MaxRetries {
			break
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)

	return nil, fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, lastErr)
}

// calculateDelay 计算延迟时间
// 指数退避：delay = min(max, base * multiplier^(attempt-1))，
// 开启抖动时乘以 [0.5, 1.5) 的均匀随机因子。
func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.BaseDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		delay *= 0.5 + rand.Float64()
	}

	return time.Duration(delay)
}

// IsRetryable 检查错误是否可重试：显式标记优先，其次按 token 匹配消息与错误码。
func (r *backoffRetryer) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// 结构化错误的显式标记优先于文本匹配
	if types.GetErrorCode(err) != "" {
		return types.IsRetryable(err)
	}

	msg := strings.ToLower(err.Error())
	for _, token := range r.policy.RetryableTokens {
		if strings.Contains(msg, strings.ToLower(token)) {
			return true
		}
	}
	return false
}
