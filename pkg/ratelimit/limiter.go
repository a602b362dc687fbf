package ratelimit

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Rule 单个操作的限流规则
type Rule struct {
	Limit         int           `json:"limit"`
	Window        time.Duration `json:"window"`
	BlockDuration time.Duration `json:"blockDuration"`
}

// Result 限流检查结果
type Result struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Remaining  int           `json:"remaining"`
}

// Stats 限流器统计
type Stats struct {
	Buckets int `json:"buckets"`
	Blocked int `json:"blocked"`
}

// HandshakeOperation 握手限流使用的操作名
const HandshakeOperation = "handshake"

type bucket struct {
	rule         Rule
	count        int
	windowStart  time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// Config 限流器配置
type Config struct {
	Rules         map[string]Rule
	DefaultRule   Rule
	Handshake     Rule
	SweepInterval time.Duration
}

// DefaultConfig 默认规则：高频低成本操作额度宽，昂贵操作额度窄
func DefaultConfig() Config {
	return Config{
		Rules: map[string]Rule{
			"join":             {Limit: 10, Window: time.Minute, BlockDuration: 5 * time.Minute},
			"canvas_change":    {Limit: 100, Window: 10 * time.Second, BlockDuration: 30 * time.Second},
			"cursor_move":      {Limit: 60, Window: time.Second, BlockDuration: 2 * time.Second},
			"presence":         {Limit: 30, Window: 10 * time.Second, BlockDuration: 30 * time.Second},
			"selection":        {Limit: 30, Window: 10 * time.Second, BlockDuration: 30 * time.Second},
			"resolve_conflict": {Limit: 20, Window: 10 * time.Second, BlockDuration: 30 * time.Second},
			"request_sync":     {Limit: 5, Window: time.Minute, BlockDuration: 2 * time.Minute},
			"heartbeat":        {Limit: 12, Window: time.Minute, BlockDuration: time.Minute},
		},
		DefaultRule:   Rule{Limit: 50, Window: 10 * time.Second, BlockDuration: 30 * time.Second},
		Handshake:     Rule{Limit: 10, Window: time.Minute, BlockDuration: 15 * time.Minute},
		SweepInterval: time.Minute,
	}
}

// Limiter 按 (主体, 操作) 计数的固定窗口限流器
//
// 超限后进入固定时长的封禁期，封禁期内的重试不会延长封禁；封禁结束后计数清零。
type Limiter struct {
	cfg   Config
	clock clock.WithTicker

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewLimiter 创建限流器
func NewLimiter(cfg Config, clk clock.WithTicker) *Limiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Rules == nil {
		cfg.Rules = map[string]Rule{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clk,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
}

// Check 检查用户在某操作上的配额；userID 为空时按远端地址计数
func (l *Limiter) Check(userID, operation, remoteAddr string) Result {
	subject := userID
	if subject == "" {
		subject = "addr:" + remoteAddr
	}
	return l.take(operation+"|"+subject, l.ruleFor(operation))
}

// CheckHandshake 握手前按远端地址限流
func (l *Limiter) CheckHandshake(remoteAddr string) Result {
	return l.take(HandshakeOperation+"|"+remoteAddr, l.cfg.Handshake)
}

// Rule 获取操作对应的规则
func (l *Limiter) Rule(operation string) Rule {
	return l.ruleFor(operation)
}

func (l *Limiter) ruleFor(operation string) Rule {
	if r, ok := l.cfg.Rules[operation]; ok {
		return r
	}
	return l.cfg.DefaultRule
}

func (l *Limiter) take(key string, rule Rule) Result {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{rule: rule, windowStart: now}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if now.Before(b.blockedUntil) {
		return Result{Allowed: false, RetryAfter: b.blockedUntil.Sub(now)}
	}
	if !b.blockedUntil.IsZero() {
		b.blockedUntil = time.Time{}
		b.count = 0
		b.windowStart = now
	}
	if now.Sub(b.windowStart) >= rule.Window {
		b.count = 0
		b.windowStart = now
	}

	if b.count >= rule.Limit {
		block := rule.BlockDuration
		if block <= 0 {
			block = rule.Window - now.Sub(b.windowStart)
		}
		b.blockedUntil = now.Add(block)
		return Result{Allowed: false, RetryAfter: block}
	}

	b.count++
	return Result{Allowed: true, Remaining: rule.Limit - b.count}
}

// Reset 清除某主体在某操作上的状态
func (l *Limiter) Reset(userID, operation string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, operation+"|"+userID)
}

// Sweep 移除过期桶，返回移除数量
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key, b := range l.buckets {
		if now.Before(b.blockedUntil) {
			continue
		}
		if now.Sub(b.lastSeen) >= b.rule.Window && now.Sub(b.windowStart) >= b.rule.Window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Start 启动周期清理
func (l *Limiter) Start() {
	ticker := l.clock.NewTicker(l.cfg.SweepInterval)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				l.Sweep()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop 停止周期清理
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

// Stats 获取统计
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	s := Stats{Buckets: len(l.buckets)}
	for _, b := range l.buckets {
		if now.Before(b.blockedUntil) {
			s.Blocked++
		}
	}
	return s
}
