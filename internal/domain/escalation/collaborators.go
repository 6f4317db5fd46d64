package escalation

import "context"

// EmergencyContact 家属目录中的一条联系人记录（只读视图）
type EmergencyContact struct {
	Name                      string `json:"name"`
	PhoneNumber               string `json:"phone_number"`
	IsActiveBind              bool   `json:"is_active_bind"`
	CanReceiveEmergencyAlerts bool   `json:"can_receive_emergency_alerts"`
}

// Eligible 绑定关系有效且明确允许接收紧急通知
func (c EmergencyContact) Eligible() bool {
	return c.IsActiveBind && c.CanReceiveEmergencyAlerts && c.PhoneNumber != ""
}

// ResolveContact 按目录顺序返回第一个合格联系人的电话
func ResolveContact(contacts []EmergencyContact) (string, bool) {
	for _, contact := range contacts {
		if contact.Eligible() {
			return contact.PhoneNumber, true
		}
	}
	return "", false
}

// ContactDirectory 家属目录快照，在解析联系人时同步查询
type ContactDirectory interface {
	EmergencyContacts() []EmergencyContact
}

// DirectoryFunc 函数适配为 ContactDirectory
type DirectoryFunc func() []EmergencyContact

func (f DirectoryFunc) EmergencyContacts() []EmergencyContact { return f() }

// StaticDirectory 固定的联系人列表
type StaticDirectory []EmergencyContact

func (d StaticDirectory) EmergencyContacts() []EmergencyContact { return d }

// CallInvoker 拨号能力。true 表示设备成功发起了拨号动作（不代表接通），
// 内部故障必须转换为 false。
type CallInvoker interface {
	PlaceCall(ctx context.Context, number string) bool
}

// CallInvokerFunc 函数适配为 CallInvoker
type CallInvokerFunc func(ctx context.Context, number string) bool

func (f CallInvokerFunc) PlaceCall(ctx context.Context, number string) bool { return f(ctx, number) }

// AuditNotifier 触发/取消事件的审计上报，尽力而为
type AuditNotifier interface {
	ReportTrigger(ctx context.Context, method TriggerMethod) (sessionID string, err error)
	ReportCancel(ctx context.Context, sessionID string) error
}

// CallTarget 拨号对象
type CallTarget string

const (
	TargetFamily            CallTarget = "family"
	TargetEmergencyServices CallTarget = "emergency_services"
)

// CallAttempt 一次拨号尝试的结果
type CallAttempt struct {
	Target CallTarget `json:"target"`
	Number string     `json:"number"`
	Placed bool       `json:"placed"`
}

// CallReporter 可选接口：AuditNotifier 同时实现时，每次拨号结果都会被上报
type CallReporter interface {
	ReportCall(ctx context.Context, sessionID string, attempt CallAttempt) error
}

type nopNotifier struct{}

func (nopNotifier) ReportTrigger(context.Context, TriggerMethod) (string, error) { return "", nil }
func (nopNotifier) ReportCancel(context.Context, string) error                   { return nil }
