package container

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/domain/services"
	"sangzi-care-service/internal/infrastructure/config"
	"sangzi-care-service/pkg/logger"
)

// Overrides 替换默认创建的外部连接，测试或离线运行时使用
type Overrides struct {
	Redis     services.InterfaceRedisService
	MQTTDial  services.InterfaceMQTTDialService
	Scheduler escalation.Scheduler
}

// ServiceContainer 管理所有服务的依赖注入
type ServiceContainer struct {
	db     *gorm.DB
	config *config.Config

	// 基础服务
	jwtService services.InterfaceJWTService

	// 外部连接，可能为空
	redisService    services.InterfaceRedisService
	mqttDialService services.InterfaceMQTTDialService

	// 业务服务
	familyService     services.InterfaceFamilyService
	emergencyService  services.InterfaceEmergencyService
	escalationService services.InterfaceEscalationService

	scheduler escalation.Scheduler

	mu sync.RWMutex
}

// NewServiceContainer 创建新的服务容器，连接Redis和MQTT
func NewServiceContainer(db *gorm.DB, cfg *config.Config, redisClient *redis.Client) *ServiceContainer {
	var overrides Overrides

	// 测试Redis连接
	if redisClient != nil {
		redisService := services.NewRedisServiceWithClient(redisClient)
		if err := redisService.Ping(); err != nil {
			logger.Warning("[Redis] 连接测试失败: %v，紧急呼叫状态将只保存在本实例", err)
		} else {
			overrides.Redis = redisService
		}
	}

	mqttDialService := services.NewMQTTDialService(cfg)
	if err := mqttDialService.Connect(); err != nil {
		logger.Error("[MQTT] 服务连接失败: %v，转入后台重连", err)
		mqttDialService.ConnectInBackground()
	}
	overrides.MQTTDial = mqttDialService

	return NewServiceContainerWithOverrides(db, cfg, overrides)
}

// NewServiceContainerWithOverrides 使用给定的外部连接创建服务容器
func NewServiceContainerWithOverrides(db *gorm.DB, cfg *config.Config, overrides Overrides) *ServiceContainer {
	if db == nil {
		panic("数据库连接为空")
	}

	if cfg == nil {
		panic("配置为空")
	}

	container := &ServiceContainer{
		db:              db,
		config:          cfg,
		redisService:    overrides.Redis,
		mqttDialService: overrides.MQTTDial,
		scheduler:       overrides.Scheduler,
	}
	container.initializeServices()
	return container
}

// initializeServices 初始化所有服务
func (c *ServiceContainer) initializeServices() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.jwtService = services.NewJWTService(c.config, c.db)
	c.familyService = services.NewFamilyService(c.db, c.config)
	c.emergencyService = services.NewEmergencyService(c.db, c.config)

	deps := services.EscalationDeps{
		Config: escalation.Config{
			EmergencyNumber: c.config.EmergencyNumber,
			CallTimeout:     c.config.EmergencyCallTimeout,
			AuditTimeout:    c.config.EmergencyAuditTimeout,
		},
		Directory:   c.familyService.Directory,
		Dialer:      c.dialer,
		Notifier:    c.emergencyService.AuditNotifier,
		DeviceOf:    c.deviceOf,
		Scheduler:   c.scheduler,
		SnapshotTTL: c.config.EscalationSnapshotTTL,
	}
	if c.redisService != nil {
		deps.Store = c.redisService
	}
	if c.mqttDialService != nil {
		deps.Publisher = c.mqttDialService
	}
	c.escalationService = services.NewEscalationService(deps)
}

// deviceOf 老人绑定的设备，每次拨号时重新查询，换绑设备后立即生效
func (c *ServiceContainer) deviceOf(userID uint) string {
	user, err := c.familyService.GetUser(userID)
	if err != nil {
		logger.Warning("[Emergency] 查询用户设备失败: user=%d, err=%v", userID, err)
		return ""
	}
	return user.DeviceID
}

func (c *ServiceContainer) dialer(userID uint) escalation.CallInvoker {
	if c.mqttDialService == nil {
		return escalation.CallInvokerFunc(func(_ context.Context, number string) bool {
			logger.Warning("[Emergency] 未配置拨号通道，无法拨打 %s", number)
			return false
		})
	}
	return c.mqttDialService.Dialer(func() string { return c.deviceOf(userID) })
}

// GetService 获取指定名称的服务
func (c *ServiceContainer) GetService(name string) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch name {
	case "config":
		return c.config
	case "db":
		return c.db
	case "jwt":
		return c.jwtService
	case "redis":
		return c.redisService
	case "mqtt_dial":
		return c.mqttDialService
	case "family":
		return c.familyService
	case "emergency":
		return c.emergencyService
	case "escalation":
		return c.escalationService
	default:
		return nil
	}
}

// GetDB 获取数据库连接
func (c *ServiceContainer) GetDB() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// Shutdown 关闭所有状态机，停止MQTT后台重连并断开
func (c *ServiceContainer) Shutdown() {
	c.escalationService.Shutdown()
	if c.mqttDialService != nil {
		c.mqttDialService.Disconnect()
	}
}
