package models

// UserRole 用户角色
type UserRole string

const (
	UserRoleElder  UserRole = "elder"  // 老人
	UserRoleFamily UserRole = "family" // 家属
)

// Valid 是否为已知角色
func (r UserRole) Valid() bool {
	return r == UserRoleElder || r == UserRoleFamily
}

// User 表示App用户，老人和家属共用一张表
type User struct {
	BaseModel
	Phone    string   `gorm:"type:varchar(20);uniqueIndex;not null" json:"phone"`
	Password string   `gorm:"type:varchar(100);not null" json:"-"` // Password not exposed in JSON
	Name     string   `gorm:"type:varchar(50)" json:"name"`
	Role     UserRole `gorm:"type:varchar(20);default:'elder'" json:"role"`
	DeviceID string   `gorm:"type:varchar(64)" json:"device_id,omitempty"` // 老人佩戴/使用的设备，紧急拨号通过它发起
}
