package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/domain/models"
)

// manualTimer/manualScheduler 手动推进倒计时，Tick 一次相当于过去一秒
type manualTimer struct {
	fn      func()
	stopped atomic.Bool
}

func (t *manualTimer) Stop() { t.stopped.Store(true) }

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) Every(_ time.Duration, fn func()) escalation.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) Tick(n int) {
	for i := 0; i < n; i++ {
		s.mu.Lock()
		timers := append([]*manualTimer(nil), s.timers...)
		s.mu.Unlock()
		for _, t := range timers {
			if !t.stopped.Load() {
				t.fn()
			}
		}
	}
}

type memorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[uint]escalation.Snapshot
	ttl       time.Duration
}

func newMemorySnapshotStore() *memorySnapshotStore {
	return &memorySnapshotStore{snapshots: make(map[uint]escalation.Snapshot)}
}

func (s *memorySnapshotStore) CacheEscalationSnapshot(userID uint, snapshot escalation.Snapshot, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[userID] = snapshot
	s.ttl = expiration
	return nil
}

func (s *memorySnapshotStore) GetEscalationSnapshot(userID uint) (*escalation.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.snapshots[userID]
	if !ok {
		return nil, nil
	}
	return &snapshot, nil
}

func (s *memorySnapshotStore) State(userID uint) escalation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[userID].State
}

type recordingPublisher struct {
	mu      sync.Mutex
	devices []string
	states  []escalation.State
}

func (p *recordingPublisher) PublishEscalationState(deviceID string, snapshot escalation.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, deviceID)
	p.states = append(p.states, snapshot.State)
	return nil
}

func (p *recordingPublisher) States() []escalation.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]escalation.State(nil), p.states...)
}

type escalationHarness struct {
	svc       InterfaceEscalationService
	scheduler *manualScheduler
	store     *memorySnapshotStore
	publisher *recordingPublisher
	clock     *stepClock
}

func newEscalationHarness(t *testing.T, contacts []escalation.EmergencyContact) *escalationHarness {
	t.Helper()
	h := &escalationHarness{
		scheduler: &manualScheduler{},
		store:     newMemorySnapshotStore(),
		publisher: &recordingPublisher{},
		clock:     newStepClock(),
	}
	h.svc = NewEscalationService(EscalationDeps{
		Config: escalation.DefaultConfig(),
		Directory: func(uint) escalation.ContactDirectory {
			return escalation.StaticDirectory(contacts)
		},
		Dialer: func(uint) escalation.CallInvoker {
			return escalation.CallInvokerFunc(func(context.Context, string) bool { return true })
		},
		DeviceOf:    func(userID uint) string { return "watch-1" },
		Store:       h.store,
		Publisher:   h.publisher,
		Scheduler:   h.scheduler,
		SnapshotTTL: 10 * time.Minute,
		Now:         h.clock.Now,
	})
	t.Cleanup(h.svc.Shutdown)
	return h
}

func TestEscalationServiceOperations(t *testing.T) {
	t.Run("should start confirming countdown per user", func(t *testing.T) {
		h := newEscalationHarness(t, nil)

		snapshot := h.svc.Trigger(1, escalation.MethodVoice)
		assert.Equal(t, escalation.StateConfirming, snapshot.State)
		assert.Equal(t, escalation.ConfirmSeconds, snapshot.Countdown)

		assert.Equal(t, escalation.StateConfirming, h.svc.Snapshot(1).State)
		assert.Equal(t, escalation.StateIdle, h.svc.Snapshot(2).State)

		h.scheduler.Tick(1)
		assert.Equal(t, 2, h.svc.Snapshot(1).Countdown)
	})

	t.Run("should cancel and persist snapshot", func(t *testing.T) {
		h := newEscalationHarness(t, nil)
		h.svc.Trigger(1, escalation.MethodButton)

		snapshot := h.svc.Cancel(1)
		assert.Equal(t, escalation.StateCancelled, snapshot.State)

		require.Eventually(t, func() bool {
			return h.store.State(1) == escalation.StateCancelled
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 10*time.Minute, h.store.ttl)
		require.Eventually(t, func() bool {
			states := h.publisher.States()
			return len(states) == 2 && states[1] == escalation.StateCancelled
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, escalation.StateConfirming, h.publisher.States()[0])
	})

	t.Run("should skip countdown and complete", func(t *testing.T) {
		h := newEscalationHarness(t, nil)
		h.svc.Trigger(1, escalation.MethodButton)
		h.svc.ConfirmNow(1)

		require.Eventually(t, func() bool {
			return h.svc.Snapshot(1).State == escalation.StateCompleted
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("should reset to idle", func(t *testing.T) {
		h := newEscalationHarness(t, nil)
		h.svc.Trigger(1, escalation.MethodButton)

		snapshot := h.svc.Reset(1)
		assert.Equal(t, escalation.StateIdle, snapshot.State)
		assert.Equal(t, 0, snapshot.Countdown)
	})
}

func TestEscalationServiceSubscribe(t *testing.T) {
	h := newEscalationHarness(t, nil)

	ch, unsubscribe := h.svc.Subscribe(1)
	other, unsubscribeOther := h.svc.Subscribe(2)
	defer unsubscribeOther()

	h.svc.Trigger(1, escalation.MethodButton)
	h.scheduler.Tick(1)

	first := <-ch
	assert.Equal(t, escalation.StateConfirming, first.State)
	assert.Equal(t, 3, first.Countdown)
	second := <-ch
	assert.Equal(t, 2, second.Countdown)
	assert.Len(t, other, 0)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestEscalationServiceWatchSnapshot(t *testing.T) {
	h := newEscalationHarness(t, nil)

	t.Run("should prefer local controller", func(t *testing.T) {
		h.svc.Trigger(1, escalation.MethodButton)

		snapshot, ok := h.svc.WatchSnapshot(1)
		assert.True(t, ok)
		assert.Equal(t, escalation.StateConfirming, snapshot.State)
	})

	t.Run("should fall back to shared store", func(t *testing.T) {
		require.NoError(t, h.store.CacheEscalationSnapshot(5, escalation.Snapshot{State: escalation.StateCallingFamily}, time.Minute))

		snapshot, ok := h.svc.WatchSnapshot(5)
		assert.True(t, ok)
		assert.Equal(t, escalation.StateCallingFamily, snapshot.State)
	})

	t.Run("should report unknown user", func(t *testing.T) {
		_, ok := h.svc.WatchSnapshot(6)
		assert.False(t, ok)
	})
}

func TestEscalationServiceEvictIdle(t *testing.T) {
	h := newEscalationHarness(t, nil)

	h.svc.Trigger(1, escalation.MethodButton)
	h.svc.Reset(1)
	h.svc.Trigger(2, escalation.MethodButton)

	assert.Equal(t, 0, h.svc.EvictIdle(time.Hour))

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.svc.EvictIdle(time.Hour))

	require.Eventually(t, func() bool {
		snapshot, ok := h.svc.WatchSnapshot(1)
		return ok && snapshot.State == escalation.StateIdle
	}, time.Second, 5*time.Millisecond, "evicted user should still be visible through the store")
	assert.Equal(t, escalation.StateIdle, h.svc.Snapshot(1).State)
	assert.Equal(t, escalation.StateConfirming, h.svc.Snapshot(2).State)

	snapshot := h.svc.Trigger(1, escalation.MethodButton)
	assert.Equal(t, escalation.StateConfirming, snapshot.State)
}

func TestEscalationServiceShutdown(t *testing.T) {
	h := newEscalationHarness(t, nil)
	ch, _ := h.svc.Subscribe(1)
	h.svc.Trigger(1, escalation.MethodButton)

	h.svc.Shutdown()

	var last escalation.Snapshot
	for snapshot := range ch {
		last = snapshot
	}
	assert.Equal(t, escalation.StateIdle, last.State)
	assert.Equal(t, escalation.StateIdle, h.store.State(1))

	snapshot := h.svc.Trigger(1, escalation.MethodButton)
	assert.Equal(t, escalation.StateIdle, snapshot.State)
	assert.Equal(t, 0, h.svc.EvictIdle(0))

	late, unsubscribe := h.svc.Subscribe(1)
	_, open := <-late
	assert.False(t, open, "subscribers added after shutdown should see a closed channel")
	assert.NotPanics(t, unsubscribe)
}

func TestEscalationServiceEndToEnd(t *testing.T) {
	db := newTestDB(t)
	cfg := newTestConfig()
	family := NewFamilyService(db, cfg)
	emergency := NewEmergencyService(db, cfg)

	elder := createUser(t, db, "13800000000", models.UserRoleElder)
	daughter := createUser(t, db, "13800000001", models.UserRoleFamily)
	createBind(t, db, elder, daughter, models.BindStatusActive, true, 1)

	var mu sync.Mutex
	var dialed []string
	scheduler := &manualScheduler{}
	svc := NewEscalationService(EscalationDeps{
		Config:    escalation.Config{EmergencyNumber: cfg.EmergencyNumber},
		Directory: family.Directory,
		Dialer: func(uint) escalation.CallInvoker {
			return escalation.CallInvokerFunc(func(_ context.Context, number string) bool {
				mu.Lock()
				dialed = append(dialed, number)
				mu.Unlock()
				return true
			})
		},
		Notifier:  emergency.AuditNotifier,
		Scheduler: scheduler,
	})

	svc.Trigger(elder.ID, escalation.MethodButton)
	scheduler.Tick(escalation.ConfirmSeconds)

	require.Eventually(t, func() bool {
		return svc.Snapshot(elder.ID).State == escalation.StateWaitingForEmergencyServices
	}, 2*time.Second, 5*time.Millisecond)
	sessionID := svc.Snapshot(elder.ID).SessionID
	require.NotEmpty(t, sessionID)

	scheduler.Tick(escalation.WaitSeconds)
	require.Eventually(t, func() bool {
		return svc.Snapshot(elder.ID).State == escalation.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	// 关闭会等待异步的审计上报落库
	svc.Shutdown()

	mu.Lock()
	assert.Equal(t, []string{"13800000001", "110"}, dialed)
	mu.Unlock()

	call, err := emergency.GetEmergencyCall(sessionID)
	require.NoError(t, err)
	assert.Equal(t, elder.ID, call.UserID)
	assert.Equal(t, models.EmergencyCallCalling, call.Status)
	assert.ElementsMatch(t, []string{"13800000001", "110"}, call.CalledNumbers)
	assert.Equal(t, []uint{daughter.ID}, call.NotifiedFamilies)
}
