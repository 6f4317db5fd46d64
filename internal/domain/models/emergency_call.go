package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EmergencyCallStatus 紧急呼叫记录状态
type EmergencyCallStatus string

const (
	EmergencyCallTriggered EmergencyCallStatus = "triggered"
	EmergencyCallCalling   EmergencyCallStatus = "calling"  // 已向报警电话发起拨号
	EmergencyCallAnswered  EmergencyCallStatus = "answered" // 由设备侧回填
	EmergencyCallCancelled EmergencyCallStatus = "cancelled"
	EmergencyCallFailed    EmergencyCallStatus = "failed" // 报警电话无法拨出
)

// CalledContact 触发时被记录的家属信息
type CalledContact struct {
	FamilyID     uint   `json:"family_id"`
	Relationship string `json:"relationship"`
}

// EmergencyCall 紧急呼叫审计记录，ID 即紧急呼叫会话ID
type EmergencyCall struct {
	ID                 string              `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID             uint                `gorm:"index;not null" json:"user_id"`
	TriggerMethod      string              `gorm:"type:varchar(20);not null" json:"trigger_method"` // button, voice
	Status             EmergencyCallStatus `gorm:"type:varchar(20);default:'triggered'" json:"status"`
	CalledNumbers      []string            `gorm:"type:text;serializer:json" json:"called_numbers"`
	CalledContacts     []CalledContact     `gorm:"type:text;serializer:json" json:"called_contacts"`
	NotifiedFamilies   []uint              `gorm:"type:text;serializer:json" json:"notified_families"`
	TriggeredAt        time.Time           `json:"triggered_at"`
	AnsweredAt         *time.Time          `json:"answered_at,omitempty"`
	EndedAt            *time.Time          `json:"ended_at,omitempty"`
	CancelReason       string              `gorm:"type:varchar(255)" json:"cancel_reason,omitempty"`
	CancelledBy        *uint               `json:"cancelled_by,omitempty"`
	NotificationSentAt *time.Time          `json:"notification_sent_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// BeforeCreate 生成会话ID
func (e *EmergencyCall) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}
