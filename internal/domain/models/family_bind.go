package models

// BindStatus 家属绑定状态
type BindStatus string

const (
	BindStatusPending  BindStatus = "pending"
	BindStatusActive   BindStatus = "active"
	BindStatusRejected BindStatus = "rejected"
	BindStatusUnbound  BindStatus = "unbound"
)

// Valid 是否为已知状态
func (s BindStatus) Valid() bool {
	switch s {
	case BindStatusPending, BindStatusActive, BindStatusRejected, BindStatusUnbound:
		return true
	}
	return false
}

// FamilyBind 表示老人与家属之间的绑定关系
type FamilyBind struct {
	BaseModel
	ElderID             uint       `gorm:"index;not null" json:"elder_id"`
	FamilyID            uint       `gorm:"index;not null" json:"family_id"`
	Relationship        string     `gorm:"type:varchar(30)" json:"relationship"`             // 如：女儿、儿子、配偶
	Status              BindStatus `gorm:"type:varchar(20);default:'pending'" json:"status"` // pending, active, rejected, unbound
	CanReceiveEmergency bool       `gorm:"default:false" json:"can_receive_emergency"`       // 是否允许接收紧急通知
	Priority            int        `gorm:"default:0" json:"priority"`                        // 联系优先级，数字越大优先级越高

	// Relations
	Elder  *User `gorm:"foreignKey:ElderID" json:"elder,omitempty"`
	Family *User `gorm:"foreignKey:FamilyID" json:"family,omitempty"`
}

// IsActive 绑定是否生效
func (b *FamilyBind) IsActive() bool {
	return b.Status == BindStatusActive
}
