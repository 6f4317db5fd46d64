package escalation

import "time"

// State 紧急呼叫状态机的状态
type State string

const (
	StateIdle                        State = "idle"
	StateConfirming                  State = "confirming"                     // 3秒确认倒计时
	StateCallingFamily               State = "calling_family"                 // 正在拨打家属电话
	StateWaitingForEmergencyServices State = "waiting_for_emergency_services" // 5秒倒计时后拨打报警电话
	StateCallingEmergencyServices    State = "calling_emergency_services"     // 正在拨打报警电话
	StateCompleted                   State = "completed"                      // 流程完成
	StateCancelled                   State = "cancelled"                      // 用户取消
	StateNoPermission                State = "no_permission"                  // 无SIM卡或无拨号权限
)

// IsActive 流程进行中，此时重复触发会被忽略
func (s State) IsActive() bool {
	switch s {
	case StateConfirming, StateCallingFamily, StateWaitingForEmergencyServices, StateCallingEmergencyServices:
		return true
	}
	return false
}

// IsTerminal 终止状态，可以重新触发
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateNoPermission:
		return true
	}
	return false
}

// IsTimed 带倒计时的状态
func (s State) IsTimed() bool {
	return s == StateConfirming || s == StateWaitingForEmergencyServices
}

// TriggerMethod 触发方式
type TriggerMethod string

const (
	MethodButton TriggerMethod = "button"
	MethodVoice  TriggerMethod = "voice"
)

// Valid 是否为已知的触发方式
func (m TriggerMethod) Valid() bool {
	return m == MethodButton || m == MethodVoice
}

// Snapshot 状态机在某一时刻的只读视图
type Snapshot struct {
	State      State     `json:"state"`
	Countdown  int       `json:"countdown"`
	SessionID  string    `json:"session_id,omitempty"`
	Generation uint64    `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}
