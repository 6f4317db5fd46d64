package escalation

import (
	"context"
	"sync"
	"time"

	"sangzi-care-service/pkg/logger"
)

const (
	// ConfirmSeconds 确认窗口，吸收误触
	ConfirmSeconds = 3
	// WaitSeconds 拨打家属后等待多久拨打报警电话
	WaitSeconds = 5
	// DefaultEmergencyNumber 默认报警电话
	DefaultEmergencyNumber = "110"
)

// Config 状态机配置
type Config struct {
	EmergencyNumber string
	ConfirmSeconds  int
	WaitSeconds     int
	Tick            time.Duration // 倒计时步长
	CallTimeout     time.Duration // 单次拨号的最长等待
	AuditTimeout    time.Duration // 单次审计上报的最长等待
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		EmergencyNumber: DefaultEmergencyNumber,
		ConfirmSeconds:  ConfirmSeconds,
		WaitSeconds:     WaitSeconds,
		Tick:            time.Second,
		CallTimeout:     30 * time.Second,
		AuditTimeout:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EmergencyNumber == "" {
		c.EmergencyNumber = def.EmergencyNumber
	}
	if c.ConfirmSeconds <= 0 {
		c.ConfirmSeconds = def.ConfirmSeconds
	}
	if c.WaitSeconds <= 0 {
		c.WaitSeconds = def.WaitSeconds
	}
	if c.Tick <= 0 {
		c.Tick = def.Tick
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = def.AuditTimeout
	}
	return c
}

// Observer 接收每一次状态变化，按变化顺序调用。
// 观察者内部不能再调用 Controller 的方法。
type Observer func(Snapshot)

// Option 构造选项
type Option func(*Controller)

// WithScheduler 替换倒计时调度器
func WithScheduler(s Scheduler) Option {
	return func(c *Controller) { c.scheduler = s }
}

// WithObserver 注册状态观察者
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller 紧急呼叫升级状态机。
//
// 所有异步延续（倒计时回调、拨号返回、审计返回）都携带发起时的 generation，
// 只有与当前 generation 一致时才允许推进状态；trigger、cancel、reset 都会递增 generation。
type Controller struct {
	cfg       Config
	directory ContactDirectory
	invoker   CallInvoker
	notifier  AuditNotifier
	scheduler Scheduler
	now       func() time.Time

	mu              sync.Mutex
	state           State
	countdown       int
	sessionID       string
	method          TriggerMethod
	generation      uint64
	timer           Timer
	reportingGen    uint64              // 正在等待触发上报结果的 generation
	deferredCancels map[uint64]struct{} // 上报未返回时被取消的 generation，拿到会话ID后补报取消
	updatedAt       time.Time
	closed          bool

	emitMu    sync.Mutex
	observers []Observer

	inflight sync.WaitGroup
	baseCtx  context.Context
	stop     context.CancelFunc
}

// NewController 创建处于 idle 状态的状态机
func NewController(cfg Config, directory ContactDirectory, invoker CallInvoker, notifier AuditNotifier, opts ...Option) *Controller {
	if directory == nil {
		directory = StaticDirectory(nil)
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	ctx, stop := context.WithCancel(context.Background())
	c := &Controller{
		cfg:             cfg.withDefaults(),
		directory:       directory,
		invoker:         invoker,
		notifier:        notifier,
		scheduler:       TickerScheduler{},
		now:             time.Now,
		state:           StateIdle,
		deferredCancels: make(map[uint64]struct{}),
		baseCtx:         ctx,
		stop:            stop,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.updatedAt = c.now()
	return c
}

// State 当前状态
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Countdown 当前倒计时剩余秒数，非倒计时状态为0
func (c *Controller) Countdown() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countdown
}

// SessionID 审计会话ID，上报成功前为空
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Snapshot 当前状态快照
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// 1 Trigger 以按钮方式开始一次紧急呼叫
func (c *Controller) Trigger() {
	c.TriggerWith(MethodButton)
}

// 2 TriggerWith 开始一次紧急呼叫，流程进行中时忽略
func (c *Controller) TriggerWith(method TriggerMethod) {
	if !method.Valid() {
		method = MethodButton
	}

	c.mu.Lock()
	if c.closed || c.state.IsActive() {
		c.mu.Unlock()
		return
	}

	c.generation++
	gen := c.generation
	c.method = method
	c.sessionID = ""
	c.reportingGen = 0
	c.state = StateConfirming
	c.countdown = c.cfg.ConfirmSeconds
	c.startTimerLocked(gen, c.onConfirmTick)
	logger.Info("[Emergency] 触发紧急呼叫: 方式=%s, 确认倒计时=%ds", method, c.countdown)
	c.unlockAndEmit()
}

// 3 Cancel 在确认倒计时或等待报警倒计时期间取消，其余状态忽略
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.state != StateConfirming && c.state != StateWaitingForEmergencyServices {
		c.mu.Unlock()
		return
	}

	cancelledGen := c.generation
	c.generation++
	c.stopTimerLocked()
	c.state = StateCancelled
	c.countdown = 0

	sessionID := c.sessionID
	if sessionID == "" && c.reportingGen == cancelledGen {
		// 触发上报还没返回，等拿到会话ID后再上报取消
		c.deferredCancels[cancelledGen] = struct{}{}
	} else {
		c.goAsync(func() { c.reportCancel(sessionID) })
	}
	logger.Info("[Emergency] 紧急呼叫已取消: 会话=%s", sessionID)
	c.unlockAndEmit()
}

// 4 ConfirmNow 跳过剩余的确认倒计时，仅在确认阶段有效
func (c *Controller) ConfirmNow() {
	c.mu.Lock()
	if c.state != StateConfirming || c.countdown <= 0 {
		c.mu.Unlock()
		return
	}

	gen := c.generation
	c.stopTimerLocked()
	c.countdown = 0
	c.beginExecuteLocked(gen)
	c.unlockAndEmit()
}

// 5 Reset 从任意状态回到 idle，丢弃所有进行中的延续
func (c *Controller) Reset() {
	c.mu.Lock()
	c.generation++
	c.stopTimerLocked()
	c.state = StateIdle
	c.countdown = 0
	c.sessionID = ""
	c.reportingGen = 0
	c.unlockAndEmit()
}

// Wait 等待所有进行中的异步延续结束
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Close 重置状态机并不再接受触发，中止未完成的协作方调用
func (c *Controller) Close() {
	c.Reset()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.Wait()
}

// ---- 倒计时 ----

func (c *Controller) startTimerLocked(gen uint64, onTick func(uint64)) {
	c.stopTimerLocked()
	c.timer = c.scheduler.Every(c.cfg.Tick, func() { onTick(gen) })
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onConfirmTick(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateConfirming || c.countdown <= 0 {
		c.mu.Unlock()
		return
	}

	c.countdown--
	if c.countdown == 0 {
		c.stopTimerLocked()
		c.beginExecuteLocked(gen)
	}
	c.unlockAndEmit()
}

func (c *Controller) onWaitTick(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateWaitingForEmergencyServices || c.countdown <= 0 {
		c.mu.Unlock()
		return
	}

	c.countdown--
	if c.countdown == 0 {
		c.stopTimerLocked()
		c.goAsync(func() { c.callEmergencyServices(gen) })
	}
	c.unlockAndEmit()
}

// ---- 升级流程 ----

func (c *Controller) beginExecuteLocked(gen uint64) {
	c.reportingGen = gen
	method := c.method
	c.goAsync(func() { c.execute(gen, method) })
}

// execute 上报触发事件，然后进入联系人解析
func (c *Controller) execute(gen uint64, method TriggerMethod) {
	sessionID, reported := c.reportTrigger(method)

	c.mu.Lock()
	if c.reportingGen == gen {
		c.reportingGen = 0
	}
	if gen != c.generation {
		_, lateCancel := c.deferredCancels[gen]
		delete(c.deferredCancels, gen)
		c.mu.Unlock()
		if lateCancel {
			c.reportCancel(sessionID)
		}
		return
	}
	if reported {
		c.sessionID = sessionID
	}
	c.mu.Unlock()

	c.callFamily(gen)
}

func (c *Controller) callFamily(gen uint64) {
	if !c.isCurrent(gen) {
		return
	}

	number, found := ResolveContact(c.contacts())
	if !found {
		// 没有合格的家属，直接拨打报警电话
		logger.Info("[Emergency] 未找到可接收紧急通知的家属，直接拨打 %s", c.cfg.EmergencyNumber)
		c.callEmergencyServices(gen)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.state = StateCallingFamily
	c.countdown = 0
	c.unlockAndEmit()

	placed := c.placeCall(number)
	c.reportCall(gen, CallAttempt{Target: TargetFamily, Number: number, Placed: placed})

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	// 家属电话无论成功与否，都进入报警倒计时
	c.state = StateWaitingForEmergencyServices
	c.countdown = c.cfg.WaitSeconds
	c.startTimerLocked(gen, c.onWaitTick)
	c.unlockAndEmit()
}

func (c *Controller) callEmergencyServices(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.state = StateCallingEmergencyServices
	c.countdown = 0
	c.unlockAndEmit()

	number := c.cfg.EmergencyNumber
	placed := c.placeCall(number)
	c.reportCall(gen, CallAttempt{Target: TargetEmergencyServices, Number: number, Placed: placed})

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	if placed {
		c.state = StateCompleted
	} else {
		c.state = StateNoPermission
		logger.Warning("[Emergency] 无法拨打报警电话 %s，需提示用户手动拨打", number)
	}
	c.unlockAndEmit()
}

// ---- 协作方调用，任何失败都不会传播出去 ----

func (c *Controller) contacts() (contacts []EmergencyContact) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Emergency] 查询家属目录异常: %v", r)
			contacts = nil
		}
	}()
	return c.directory.EmergencyContacts()
}

func (c *Controller) placeCall(number string) (placed bool) {
	if c.invoker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.CallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Emergency] 拨号异常: 号码=%s, err=%v", number, r)
			placed = false
		}
	}()

	placed = c.invoker.PlaceCall(ctx, number)
	logger.Info("[Emergency] 拨号结果: 号码=%s, 成功=%v", number, placed)
	return placed
}

func (c *Controller) reportTrigger(method TriggerMethod) (sessionID string, ok bool) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.AuditTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Audit] 上报触发事件异常: %v", r)
			sessionID, ok = "", false
		}
	}()

	id, err := c.notifier.ReportTrigger(ctx, method)
	if err != nil {
		logger.Warning("[Audit] 上报触发事件失败: %v", err)
		return "", false
	}
	return id, id != ""
}

func (c *Controller) reportCancel(sessionID string) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.AuditTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Audit] 上报取消事件异常: %v", r)
		}
	}()

	if err := c.notifier.ReportCancel(ctx, sessionID); err != nil {
		logger.Warning("[Audit] 上报取消事件失败: 会话=%s, err=%v", sessionID, err)
	}
}

// reportCall 异步上报拨号结果，不阻塞状态推进
func (c *Controller) reportCall(gen uint64, attempt CallAttempt) {
	reporter, ok := c.notifier.(CallReporter)
	if !ok {
		return
	}

	c.mu.Lock()
	sessionID := c.sessionID
	current := gen == c.generation
	if current && sessionID != "" {
		c.goAsync(func() {
			ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.AuditTimeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("[Audit] 上报拨号结果异常: %v", r)
				}
			}()
			if err := reporter.ReportCall(ctx, sessionID, attempt); err != nil {
				logger.Warning("[Audit] 上报拨号结果失败: 会话=%s, err=%v", sessionID, err)
			}
		})
	}
	c.mu.Unlock()
}

// ---- 内部工具 ----

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

// goAsync 启动一个被 Wait 跟踪的协程，调用方必须持有 mu
func (c *Controller) goAsync(fn func()) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		fn()
	}()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:      c.state,
		Countdown:  c.countdown,
		SessionID:  c.sessionID,
		Generation: c.generation,
		UpdatedAt:  c.updatedAt,
	}
}

// unlockAndEmit 释放 mu 并按状态变化顺序通知观察者
func (c *Controller) unlockAndEmit() {
	c.updatedAt = c.now()
	snap := c.snapshotLocked()
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()

	for _, observer := range c.observers {
		c.notifyObserver(observer, snap)
	}
}

func (c *Controller) notifyObserver(observer Observer, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Emergency] 状态观察者异常: %v", r)
		}
	}()
	observer(snap)
}
