package escalation

import (
	"sync"
	"time"
)

// Timer 可取消的定时器句柄
type Timer interface {
	Stop()
}

// Scheduler 周期回调调度器，fn 在调度器自己的协程中执行
type Scheduler interface {
	Every(interval time.Duration, fn func()) Timer
}

// TickerScheduler 基于 time.Ticker 的调度器
type TickerScheduler struct{}

// Every 每隔 interval 调用一次 fn，直到 Stop
func (TickerScheduler) Every(interval time.Duration, fn func()) Timer {
	t := &tickerTimer{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}
	go t.run(fn)
	return t
}

type tickerTimer struct {
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

func (t *tickerTimer) run(fn func()) {
	defer t.ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			// Stop 与 tick 同时就绪时 select 随机选择，这里再确认一次
			select {
			case <-t.stop:
				return
			default:
			}
			fn()
		}
	}
}

// Stop 可以重复调用，也可以在 fn 内部调用
func (t *tickerTimer) Stop() {
	t.once.Do(func() { close(t.stop) })
}
