package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/infrastructure/config"
	"sangzi-care-service/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// InterfaceEmergencyService 紧急呼叫审计服务接口
type InterfaceEmergencyService interface {
	TriggerEmergency(userID uint, method string) (*models.EmergencyCall, error)
	CancelEmergency(callID string, userID uint, reason string) (*models.EmergencyCall, error)
	NotifyFamilies(callID string, familyIDs []uint) (*models.EmergencyCall, error)
	RecordCallAttempt(callID string, attempt escalation.CallAttempt) (*models.EmergencyCall, error)
	GetEmergencyCall(callID string) (*models.EmergencyCall, error)
	GetHistory(userID uint, limit int) ([]models.EmergencyCall, error)
	AuditNotifier(userID uint) escalation.AuditNotifier
}

// EmergencyService 记录紧急呼叫的触发、取消、通知和拨号结果
type EmergencyService struct {
	DB     *gorm.DB
	Config *config.Config
	now    func() time.Time
}

// NewEmergencyService 创建一个新的紧急呼叫审计服务
func NewEmergencyService(db *gorm.DB, cfg *config.Config) InterfaceEmergencyService {
	return &EmergencyService{
		DB:     db,
		Config: cfg,
		now:    time.Now,
	}
}

// 1 TriggerEmergency 创建紧急呼叫记录，并记下允许接收紧急通知的家属
func (s *EmergencyService) TriggerEmergency(userID uint, method string) (*models.EmergencyCall, error) {
	return s.triggerEmergency(s.DB, userID, method)
}

// 2 CancelEmergency 取消紧急呼叫
func (s *EmergencyService) CancelEmergency(callID string, userID uint, reason string) (*models.EmergencyCall, error) {
	return s.cancelEmergency(s.DB, callID, userID, reason)
}

// 3 NotifyFamilies 记录已通知的家属
func (s *EmergencyService) NotifyFamilies(callID string, familyIDs []uint) (*models.EmergencyCall, error) {
	call, err := s.GetEmergencyCall(callID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	call.NotifiedFamilies = append([]uint{}, familyIDs...)
	call.NotificationSentAt = &now
	if err := s.DB.Save(call).Error; err != nil {
		return nil, err
	}
	return call, nil
}

// 4 RecordCallAttempt 记录一次拨号尝试，报警电话的结果决定记录状态
func (s *EmergencyService) RecordCallAttempt(callID string, attempt escalation.CallAttempt) (*models.EmergencyCall, error) {
	return s.recordCallAttempt(s.DB, callID, attempt)
}

// 5 GetEmergencyCall 根据ID获取紧急呼叫记录
func (s *EmergencyService) GetEmergencyCall(callID string) (*models.EmergencyCall, error) {
	return s.findCall(s.DB, callID)
}

// 6 GetHistory 获取用户的紧急呼叫历史，按创建时间倒序
func (s *EmergencyService) GetHistory(userID uint, limit int) ([]models.EmergencyCall, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var calls []models.EmergencyCall
	err := s.DB.Where("user_id = ?", userID).
		Order("created_at DESC").Order("triggered_at DESC").
		Limit(limit).
		Find(&calls).Error
	if err != nil {
		return nil, err
	}
	return calls, nil
}

// 7 AuditNotifier 返回供状态机使用的审计上报适配器
func (s *EmergencyService) AuditNotifier(userID uint) escalation.AuditNotifier {
	return &auditNotifier{service: s, userID: userID}
}

func (s *EmergencyService) findCall(db *gorm.DB, callID string) (*models.EmergencyCall, error) {
	if callID == "" {
		return nil, ErrEmergencyCallNotFound
	}
	var call models.EmergencyCall
	if err := db.Where("id = ?", callID).First(&call).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEmergencyCallNotFound
		}
		return nil, err
	}
	return &call, nil
}

func (s *EmergencyService) triggerEmergency(db *gorm.DB, userID uint, method string) (*models.EmergencyCall, error) {
	if !escalation.TriggerMethod(method).Valid() {
		return nil, ErrInvalidTriggerMethod
	}

	var binds []models.FamilyBind
	err := db.Where("elder_id = ? AND status = ? AND can_receive_emergency = ?", userID, models.BindStatusActive, true).
		Order("priority DESC").Order("id ASC").
		Find(&binds).Error
	if err != nil {
		return nil, err
	}

	notified := make([]uint, 0, len(binds))
	contacts := make([]models.CalledContact, 0, len(binds))
	for _, bind := range binds {
		notified = append(notified, bind.FamilyID)
		contacts = append(contacts, models.CalledContact{FamilyID: bind.FamilyID, Relationship: bind.Relationship})
	}

	now := s.now()
	call := &models.EmergencyCall{
		UserID:           userID,
		TriggerMethod:    method,
		Status:           models.EmergencyCallTriggered,
		CalledNumbers:    []string{},
		CalledContacts:   contacts,
		NotifiedFamilies: notified,
		TriggeredAt:      now,
		CreatedAt:        now,
	}
	if err := db.Create(call).Error; err != nil {
		return nil, err
	}

	logger.Info("[Audit] 创建紧急呼叫记录: id=%s, user=%d, method=%s, 通知家属=%v", call.ID, userID, method, notified)
	return call, nil
}

func (s *EmergencyService) cancelEmergency(db *gorm.DB, callID string, userID uint, reason string) (*models.EmergencyCall, error) {
	call, err := s.findCall(db, callID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	call.Status = models.EmergencyCallCancelled
	call.CancelledBy = &userID
	call.EndedAt = &now
	if reason != "" {
		call.CancelReason = reason
	}
	if err := db.Save(call).Error; err != nil {
		return nil, err
	}

	logger.Info("[Audit] 紧急呼叫已取消: id=%s, user=%d", callID, userID)
	return call, nil
}

func (s *EmergencyService) recordCallAttempt(db *gorm.DB, callID string, attempt escalation.CallAttempt) (*models.EmergencyCall, error) {
	var call *models.EmergencyCall
	err := db.Transaction(func(tx *gorm.DB) error {
		found, err := s.findCall(tx, callID)
		if err != nil {
			return err
		}
		call = found

		call.CalledNumbers = append(call.CalledNumbers, attempt.Number)
		if attempt.Target == escalation.TargetEmergencyServices && call.Status != models.EmergencyCallCancelled {
			if attempt.Placed {
				call.Status = models.EmergencyCallCalling
			} else {
				now := s.now()
				call.Status = models.EmergencyCallFailed
				call.EndedAt = &now
			}
		}
		return tx.Save(call).Error
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

// auditNotifier 把状态机的审计上报落到 emergency_calls 表
type auditNotifier struct {
	service *EmergencyService
	userID  uint
}

func (n *auditNotifier) ReportTrigger(ctx context.Context, method escalation.TriggerMethod) (string, error) {
	call, err := n.service.triggerEmergency(n.service.DB.WithContext(ctx), n.userID, string(method))
	if err != nil {
		return "", err
	}
	return call.ID, nil
}

func (n *auditNotifier) ReportCancel(ctx context.Context, sessionID string) error {
	_, err := n.service.cancelEmergency(n.service.DB.WithContext(ctx), sessionID, n.userID, "user_cancelled")
	return err
}

func (n *auditNotifier) ReportCall(ctx context.Context, sessionID string, attempt escalation.CallAttempt) error {
	_, err := n.service.recordCallAttempt(n.service.DB.WithContext(ctx), sessionID, attempt)
	return err
}
