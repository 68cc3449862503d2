package monitoring

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// MemoryReporter 进程内存用量上报器
//
// 纯信息用途的后台定时器，对核心行为没有影响：按间隔读取
// runtime 内存统计，写日志并更新指标。
type MemoryReporter struct {
	metrics  *Metrics
	interval time.Duration
	log      *zap.Logger
}

// NewMemoryReporter 创建内存上报器
func NewMemoryReporter(metrics *Metrics, interval time.Duration, log *zap.Logger) *MemoryReporter {
	return &MemoryReporter{
		metrics:  metrics,
		interval: interval,
		log:      log,
	}
}

// Run 周期性上报，直到 ctx 取消
func (r *MemoryReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)

			if r.metrics != nil {
				r.metrics.MemoryUsage.Set(float64(stats.HeapInuse))
			}
			r.log.Info("memory usage",
				zap.Uint64("heap_inuse", stats.HeapInuse),
				zap.Uint64("heap_alloc", stats.HeapAlloc),
				zap.Uint64("sys", stats.Sys),
				zap.Uint32("num_gc", stats.NumGC),
				zap.Int("goroutines", runtime.NumGoroutine()),
			)
		}
	}
}
