package services

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/infrastructure/config"
	"sangzi-care-service/pkg/logger"
)

// InterfaceFamilyService 家属目录服务接口
type InterfaceFamilyService interface {
	GetUser(id uint) (*models.User, error)
	FindUserByPhone(phone string) (*models.User, error)
	GetBind(id uint) (*models.FamilyBind, error)
	CreateBind(bind *models.FamilyBind) error
	UpdateBind(id uint, updates map[string]interface{}) (*models.FamilyBind, error)
	Unbind(id uint) error
	ListBinds(userID uint) ([]models.FamilyBind, error)
	IsActiveFamily(familyID, elderID uint) bool
	EmergencyContacts(elderID uint) []escalation.EmergencyContact
	Directory(elderID uint) escalation.ContactDirectory
}

// FamilyService 提供老人与家属绑定关系相关的服务
type FamilyService struct {
	DB     *gorm.DB
	Config *config.Config
}

// NewFamilyService 创建一个新的家属目录服务
func NewFamilyService(db *gorm.DB, cfg *config.Config) InterfaceFamilyService {
	return &FamilyService{
		DB:     db,
		Config: cfg,
	}
}

// 允许通过 UpdateBind 修改的字段
var bindUpdatableFields = map[string]bool{
	"relationship":          true,
	"status":                true,
	"can_receive_emergency": true,
	"priority":              true,
}

// 1 GetUser 根据ID获取用户
func (s *FamilyService) GetUser(id uint) (*models.User, error) {
	var user models.User
	if err := s.DB.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindUserByPhone 根据手机号获取用户
func (s *FamilyService) FindUserByPhone(phone string) (*models.User, error) {
	var user models.User
	if err := s.DB.Where("phone = ?", phone).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// 2 GetBind 根据ID获取绑定关系
func (s *FamilyService) GetBind(id uint) (*models.FamilyBind, error) {
	var bind models.FamilyBind
	if err := s.DB.Preload("Elder").Preload("Family").First(&bind, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBindNotFound
		}
		return nil, err
	}
	return &bind, nil
}

// 3 CreateBind 创建绑定关系，同一对老人和家属只能存在一条未解绑的记录
func (s *FamilyService) CreateBind(bind *models.FamilyBind) error {
	if bind.ElderID == bind.FamilyID {
		return ErrBindSelf
	}
	if bind.Status == "" {
		bind.Status = models.BindStatusPending
	}
	if !bind.Status.Valid() || bind.Status == models.BindStatusUnbound {
		return ErrInvalidBindStatus
	}

	if _, err := s.GetUser(bind.ElderID); err != nil {
		return err
	}
	if _, err := s.GetUser(bind.FamilyID); err != nil {
		return err
	}

	var count int64
	if err := s.DB.Model(&models.FamilyBind{}).
		Where("elder_id = ? AND family_id = ? AND status <> ?", bind.ElderID, bind.FamilyID, models.BindStatusUnbound).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrBindAlreadyExists
	}

	return s.DB.Create(bind).Error
}

// 4 UpdateBind 更新绑定关系，未知字段会被忽略
func (s *FamilyService) UpdateBind(id uint, updates map[string]interface{}) (*models.FamilyBind, error) {
	bind, err := s.GetBind(id)
	if err != nil {
		return nil, err
	}

	filtered := make(map[string]interface{}, len(updates))
	for key, value := range updates {
		if bindUpdatableFields[key] {
			filtered[key] = value
		}
	}

	if raw, ok := filtered["status"]; ok {
		status, err := toBindStatus(raw)
		if err != nil {
			return nil, err
		}
		filtered["status"] = status
	}

	if len(filtered) == 0 {
		return bind, nil
	}
	if err := s.DB.Model(&models.FamilyBind{}).Where("id = ?", id).Updates(filtered).Error; err != nil {
		return nil, err
	}

	// 重新获取更新后的绑定关系
	return s.GetBind(id)
}

// 5 Unbind 解除绑定，记录保留用于审计
func (s *FamilyService) Unbind(id uint) error {
	if _, err := s.GetBind(id); err != nil {
		return err
	}
	return s.DB.Model(&models.FamilyBind{}).Where("id = ?", id).Update("status", models.BindStatusUnbound).Error
}

// 6 ListBinds 获取用户作为老人或家属参与的所有未解绑关系
func (s *FamilyService) ListBinds(userID uint) ([]models.FamilyBind, error) {
	var binds []models.FamilyBind
	err := s.DB.Preload("Elder").Preload("Family").
		Where("(elder_id = ? OR family_id = ?) AND status <> ?", userID, userID, models.BindStatusUnbound).
		Order("priority DESC").Order("id ASC").
		Find(&binds).Error
	if err != nil {
		return nil, err
	}
	return binds, nil
}

// 7 IsActiveFamily 判断 familyID 是否为 elderID 的有效家属
func (s *FamilyService) IsActiveFamily(familyID, elderID uint) bool {
	var count int64
	err := s.DB.Model(&models.FamilyBind{}).
		Where("elder_id = ? AND family_id = ? AND status = ?", elderID, familyID, models.BindStatusActive).
		Count(&count).Error
	if err != nil {
		logger.Warning("查询绑定关系失败: elder=%d, family=%d, err=%v", elderID, familyID, err)
		return false
	}
	return count > 0
}

// 8 EmergencyContacts 按目录顺序（优先级降序，ID升序）返回老人的联系人。
// 查询失败时返回空列表，紧急流程会直接拨打报警电话。
func (s *FamilyService) EmergencyContacts(elderID uint) []escalation.EmergencyContact {
	var binds []models.FamilyBind
	err := s.DB.Preload("Family").
		Where("elder_id = ? AND status <> ?", elderID, models.BindStatusUnbound).
		Order("priority DESC").Order("id ASC").
		Find(&binds).Error
	if err != nil {
		logger.Warning("[Emergency] 查询紧急联系人失败: elder=%d, err=%v", elderID, err)
		return nil
	}

	contacts := make([]escalation.EmergencyContact, 0, len(binds))
	for _, bind := range binds {
		contact := escalation.EmergencyContact{
			Name:                      bind.Relationship,
			IsActiveBind:              bind.IsActive(),
			CanReceiveEmergencyAlerts: bind.CanReceiveEmergency,
		}
		if bind.Family != nil {
			contact.PhoneNumber = bind.Family.Phone
			if bind.Family.Name != "" {
				contact.Name = bind.Family.Name
			}
		}
		contacts = append(contacts, contact)
	}
	return contacts
}

// 9 Directory 老人的家属目录，每次解析联系人时重新查询
func (s *FamilyService) Directory(elderID uint) escalation.ContactDirectory {
	return escalation.DirectoryFunc(func() []escalation.EmergencyContact {
		return s.EmergencyContacts(elderID)
	})
}

func toBindStatus(raw interface{}) (models.BindStatus, error) {
	var status models.BindStatus
	switch v := raw.(type) {
	case string:
		status = models.BindStatus(v)
	case models.BindStatus:
		status = v
	default:
		return "", fmt.Errorf("%w: %v", ErrInvalidBindStatus, raw)
	}
	if !status.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidBindStatus, status)
	}
	return status, nil
}
