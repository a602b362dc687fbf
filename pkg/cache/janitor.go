package cache

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Cleaner 可周期清理的缓存
type Cleaner interface {
	Cleanup() int
	Stats() Stats
}

// Janitor 周期清理一组缓存中空闲超时的条目
type Janitor struct {
	period   time.Duration
	clock    clock.WithTicker
	caches   []Cleaner
	onSweep  func(name string, removed int)
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewJanitor 创建清理器，onSweep 在某个缓存有条目被移除时回调，可为 nil
func NewJanitor(period time.Duration, clk clock.WithTicker, onSweep func(name string, removed int), caches ...Cleaner) *Janitor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Janitor{
		period:  period,
		clock:   clk,
		caches:  caches,
		onSweep: onSweep,
		stopCh:  make(chan struct{}),
	}
}

// Sweep 立即清理一轮，返回移除总数
func (j *Janitor) Sweep() int {
	total := 0
	for _, c := range j.caches {
		n := c.Cleanup()
		if n > 0 && j.onSweep != nil {
			j.onSweep(c.Stats().Name, n)
		}
		total += n
	}
	return total
}

// Start 启动周期清理，period <= 0 时不启动
func (j *Janitor) Start() {
	if j.period <= 0 {
		return
	}
	ticker := j.clock.NewTicker(j.period)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-j.stopCh:
				return
			case <-ticker.C():
				j.Sweep()
			}
		}
	}()
}

// Stop 停止并等待清理协程退出
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})
	j.wg.Wait()
}
