package services

import (
	"sync"
	"time"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/pkg/logger"
)

const (
	subscriberBuffer = 16
	outboxBuffer     = 64
)

// InterfaceEscalationService 每个用户一个紧急呼叫状态机
type InterfaceEscalationService interface {
	Trigger(userID uint, method escalation.TriggerMethod) escalation.Snapshot
	Cancel(userID uint) escalation.Snapshot
	ConfirmNow(userID uint) escalation.Snapshot
	Reset(userID uint) escalation.Snapshot
	Snapshot(userID uint) escalation.Snapshot
	WatchSnapshot(userID uint) (escalation.Snapshot, bool)
	Subscribe(userID uint) (<-chan escalation.Snapshot, func())
	EvictIdle(maxIdle time.Duration) int
	Shutdown()
}

// SnapshotStore 跨实例共享的状态快照存储
type SnapshotStore interface {
	CacheEscalationSnapshot(userID uint, snapshot escalation.Snapshot, expiration time.Duration) error
	GetEscalationSnapshot(userID uint) (*escalation.Snapshot, error)
}

// StatePublisher 把状态推送到用户设备
type StatePublisher interface {
	PublishEscalationState(deviceID string, snapshot escalation.Snapshot) error
}

// EscalationDeps 状态机的协作方，按用户构造
type EscalationDeps struct {
	Config      escalation.Config
	Directory   func(userID uint) escalation.ContactDirectory
	Dialer      func(userID uint) escalation.CallInvoker
	Notifier    func(userID uint) escalation.AuditNotifier
	DeviceOf    func(userID uint) string
	Store       SnapshotStore
	Publisher   StatePublisher
	Scheduler   escalation.Scheduler
	SnapshotTTL time.Duration
	Now         func() time.Time
}

type escalationEntry struct {
	ctrl       *escalation.Controller
	lastActive time.Time
	outbox     chan escalation.Snapshot
}

// EscalationService 紧急呼叫状态机注册表
type EscalationService struct {
	deps EscalationDeps

	// lifecycle 在操作状态机期间持读锁，回收和关闭持写锁，保证不会对已回收的状态机发起触发
	lifecycle sync.RWMutex

	mu      sync.Mutex
	entries map[uint]*escalationEntry
	subs    map[uint]map[uint64]chan escalation.Snapshot
	nextSub uint64
	closed  bool

	drains sync.WaitGroup
}

// NewEscalationService 创建状态机注册表
func NewEscalationService(deps EscalationDeps) InterfaceEscalationService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.SnapshotTTL <= 0 {
		deps.SnapshotTTL = time.Hour
	}
	return &EscalationService{
		deps:    deps,
		entries: make(map[uint]*escalationEntry),
		subs:    make(map[uint]map[uint64]chan escalation.Snapshot),
	}
}

// 1 Trigger 触发紧急呼叫
func (s *EscalationService) Trigger(userID uint, method escalation.TriggerMethod) escalation.Snapshot {
	return s.withController(userID, func(c *escalation.Controller) { c.TriggerWith(method) })
}

// 2 Cancel 取消紧急呼叫
func (s *EscalationService) Cancel(userID uint) escalation.Snapshot {
	return s.withController(userID, (*escalation.Controller).Cancel)
}

// 3 ConfirmNow 跳过确认倒计时
func (s *EscalationService) ConfirmNow(userID uint) escalation.Snapshot {
	return s.withController(userID, (*escalation.Controller).ConfirmNow)
}

// 4 Reset 回到空闲状态
func (s *EscalationService) Reset(userID uint) escalation.Snapshot {
	return s.withController(userID, (*escalation.Controller).Reset)
}

// 5 Snapshot 本实例上的状态，没有状态机时为 idle
func (s *EscalationService) Snapshot(userID uint) escalation.Snapshot {
	s.mu.Lock()
	entry, ok := s.entries[userID]
	s.mu.Unlock()
	if !ok {
		return escalation.Snapshot{State: escalation.StateIdle}
	}
	return entry.ctrl.Snapshot()
}

// 6 WatchSnapshot 供家属查看老人的状态：优先本实例，其次共享存储
func (s *EscalationService) WatchSnapshot(userID uint) (escalation.Snapshot, bool) {
	s.mu.Lock()
	entry, ok := s.entries[userID]
	s.mu.Unlock()
	if ok {
		return entry.ctrl.Snapshot(), true
	}

	if s.deps.Store == nil {
		return escalation.Snapshot{}, false
	}
	snapshot, err := s.deps.Store.GetEscalationSnapshot(userID)
	if err != nil {
		logger.Warning("[Redis] 读取紧急呼叫状态失败: user=%d, err=%v", userID, err)
		return escalation.Snapshot{}, false
	}
	if snapshot == nil {
		return escalation.Snapshot{}, false
	}
	return *snapshot, true
}

// 7 Subscribe 订阅用户的状态变化，返回取消订阅函数。消费过慢时会丢弃快照，关闭后返回已关闭的通道。
func (s *EscalationService) Subscribe(userID uint) (<-chan escalation.Snapshot, func()) {
	ch := make(chan escalation.Snapshot, subscriberBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.nextSub++
	id := s.nextSub
	if s.subs[userID] == nil {
		s.subs[userID] = make(map[uint64]chan escalation.Snapshot)
	}
	s.subs[userID][id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subs, ok := s.subs[userID]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(s.subs, userID)
				}
			}
		})
	}
}

// 8 EvictIdle 回收长时间未活动且不在流程中的状态机
func (s *EscalationService) EvictIdle(maxIdle time.Duration) int {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	now := s.deps.Now()
	candidates := make(map[uint]*escalationEntry)

	s.mu.Lock()
	for userID, entry := range s.entries {
		if now.Sub(entry.lastActive) >= maxIdle {
			candidates[userID] = entry
		}
	}
	s.mu.Unlock()

	// 观察者回调会获取 mu，查询状态机时不能持有 mu
	var evicted []*escalationEntry
	for userID, entry := range candidates {
		if entry.ctrl.State().IsActive() {
			continue
		}
		s.mu.Lock()
		if s.entries[userID] == entry {
			delete(s.entries, userID)
			evicted = append(evicted, entry)
		}
		s.mu.Unlock()
	}

	for _, entry := range evicted {
		s.closeEntry(entry)
	}
	if len(evicted) > 0 {
		logger.Info("[Emergency] 回收空闲状态机 %d 个", len(evicted))
	}
	return len(evicted)
}

// 9 Shutdown 关闭所有状态机并等待状态推送完成
func (s *EscalationService) Shutdown() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	s.closed = true
	entries := make([]*escalationEntry, 0, len(s.entries))
	for userID, entry := range s.entries {
		entries = append(entries, entry)
		delete(s.entries, userID)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		s.closeEntry(entry)
	}
	s.drains.Wait()

	s.mu.Lock()
	for userID, subs := range s.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.subs, userID)
	}
	s.mu.Unlock()
}

// withController 在生命周期读锁内操作状态机，注册表关闭后返回 idle
func (s *EscalationService) withController(userID uint, op func(*escalation.Controller)) escalation.Snapshot {
	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()

	entry := s.entry(userID)
	if entry == nil {
		return escalation.Snapshot{State: escalation.StateIdle}
	}
	op(entry.ctrl)
	s.touch(userID)
	return entry.ctrl.Snapshot()
}

// entry 获取或创建用户的状态机，调用方必须持有 lifecycle 读锁
func (s *EscalationService) entry(userID uint) *escalationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if entry, ok := s.entries[userID]; ok {
		return entry
	}

	entry := &escalationEntry{
		lastActive: s.deps.Now(),
		outbox:     make(chan escalation.Snapshot, outboxBuffer),
	}
	entry.ctrl = escalation.NewController(s.deps.Config,
		s.directory(userID), s.dialer(userID), s.notifier(userID),
		s.controllerOptions(userID, entry)...)
	s.entries[userID] = entry

	s.drains.Add(1)
	go s.drain(userID, entry.outbox)
	return entry
}

func (s *EscalationService) controllerOptions(userID uint, entry *escalationEntry) []escalation.Option {
	opts := []escalation.Option{
		escalation.WithClock(s.deps.Now),
		escalation.WithObserver(func(snapshot escalation.Snapshot) {
			s.fanOut(userID, entry, snapshot)
		}),
	}
	if s.deps.Scheduler != nil {
		opts = append(opts, escalation.WithScheduler(s.deps.Scheduler))
	}
	return opts
}

func (s *EscalationService) directory(userID uint) escalation.ContactDirectory {
	if s.deps.Directory == nil {
		return nil
	}
	return s.deps.Directory(userID)
}

func (s *EscalationService) dialer(userID uint) escalation.CallInvoker {
	if s.deps.Dialer == nil {
		return nil
	}
	return s.deps.Dialer(userID)
}

func (s *EscalationService) notifier(userID uint) escalation.AuditNotifier {
	if s.deps.Notifier == nil {
		return nil
	}
	return s.deps.Notifier(userID)
}

func (s *EscalationService) touch(userID uint) {
	s.mu.Lock()
	if entry, ok := s.entries[userID]; ok {
		entry.lastActive = s.deps.Now()
	}
	s.mu.Unlock()
}

// fanOut 在状态机的观察者回调中执行，不能阻塞也不能回调状态机
func (s *EscalationService) fanOut(userID uint, entry *escalationEntry, snapshot escalation.Snapshot) {
	s.mu.Lock()
	entry.lastActive = s.deps.Now()
	for _, ch := range s.subs[userID] {
		select {
		case ch <- snapshot:
		default:
		}
	}
	s.mu.Unlock()

	select {
	case entry.outbox <- snapshot:
	default:
		logger.Warning("[Emergency] 状态推送队列已满，丢弃快照: user=%d, state=%s", userID, snapshot.State)
	}
}

// drain 按顺序把快照写入共享存储并推送到设备
func (s *EscalationService) drain(userID uint, outbox <-chan escalation.Snapshot) {
	defer s.drains.Done()
	for snapshot := range outbox {
		if s.deps.Store != nil {
			if err := s.deps.Store.CacheEscalationSnapshot(userID, snapshot, s.deps.SnapshotTTL); err != nil {
				logger.Warning("[Redis] 缓存紧急呼叫状态失败: user=%d, err=%v", userID, err)
			}
		}
		if s.deps.Publisher != nil && s.deps.DeviceOf != nil {
			if deviceID := s.deps.DeviceOf(userID); deviceID != "" {
				if err := s.deps.Publisher.PublishEscalationState(deviceID, snapshot); err != nil {
					logger.Warning("[MQTT] 推送紧急呼叫状态失败: user=%d, device=%s, err=%v", userID, deviceID, err)
				}
			}
		}
	}
}

// closeEntry 关闭状态机后再关闭推送队列，Close 返回后不会再有观察者回调
func (s *EscalationService) closeEntry(entry *escalationEntry) {
	entry.ctrl.Close()
	close(entry.outbox)
}
