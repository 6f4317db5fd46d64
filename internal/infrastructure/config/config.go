package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	config     *Config
	configOnce sync.Once
)

// Config stores all configuration of the application
type Config struct {
	// Environment type
	EnvType string

	// Database
	DBHost          string
	DBUser          string
	DBPassword      string
	DBName          string
	DBPort          string
	DBMigrationMode string // 数据库迁移模式: "auto"(默认), "drop"(删除重建)

	// Server
	ServerPort      string
	LogDir          string
	CORSAllowOrigin string

	// Redis
	RedisHost             string
	RedisPort             string
	RedisPassword         string
	RedisDB               int
	EscalationSnapshotTTL time.Duration // 紧急呼叫状态快照在Redis中的保留时间

	// MQTT配置
	MQTTBrokerURL      string // MQTT服务器地址，如 tcp://broker.example.com:1883
	MQTTClientID       string // MQTT客户端ID前缀
	MQTTUsername       string
	MQTTPassword       string
	MQTTQoS            int    // 服务质量 (0, 1, 2)
	MQTTSSLEnabled     bool   // 是否启用SSL/TLS
	MQTTTopicPrefix    string // 主题前缀，如 sangzi/device/<id>/dial
	MQTTDialAckTimeout time.Duration

	// 紧急呼叫
	EmergencyNumber       string        // 报警电话，随地区不同而不同
	EmergencyCallTimeout  time.Duration // 单次拨号调用的最长等待时间
	EmergencyAuditTimeout time.Duration // 审计上报的最长等待时间
	EmergencyIdleEvict    time.Duration // 空闲状态机的回收时间

	// JWT Authentication
	JWTSecretKey   string
	JWTExpireHours int
}

// LoadConfig loads config from environment variables based on ENV_TYPE
func LoadConfig() *Config {
	// Get environment type (default to LOCAL if not set)
	envType := strings.ToUpper(getEnv("ENV_TYPE", "LOCAL"))
	prefix := ""

	// Set prefix based on environment type
	switch envType {
	case "LOCAL":
		prefix = "LOCAL_"
	case "SERVER":
		prefix = "SERVER_"
	default:
		fmt.Printf("Warning: Unknown ENV_TYPE '%s', defaulting to LOCAL environment\n", envType)
		prefix = "LOCAL_"
		envType = "LOCAL"
	}

	fmt.Printf("Loading configuration for environment: %s\n", envType)

	return &Config{
		EnvType: envType,

		// Database config - use environment-specific variables if available
		DBHost:          getEnvRequired(prefix+"DB_HOST", "DB_HOST"),
		DBUser:          getEnvRequired(prefix+"DB_USER", "DB_USER"),
		DBPassword:      getEnvRequired(prefix+"DB_PASSWORD", "DB_PASSWORD"),
		DBName:          getEnvRequired(prefix+"DB_NAME", "DB_NAME"),
		DBPort:          getEnv(prefix+"DB_PORT", getEnv("DB_PORT", "3306")),
		DBMigrationMode: getEnv(prefix+"DB_MIGRATION_MODE", getEnv("DB_MIGRATION_MODE", "auto")),

		// Server config
		ServerPort:      getEnv(prefix+"SERVER_PORT", getEnv("SERVER_PORT", "8080")),
		LogDir:          getEnv("LOG_DIR", "logs"),
		CORSAllowOrigin: getEnv("CORS_ALLOW_ORIGIN", "*"),

		// Redis config
		RedisHost:             getEnv(prefix+"REDIS_HOST", getEnv("REDIS_HOST", "localhost")),
		RedisPort:             getEnv(prefix+"REDIS_PORT", getEnv("REDIS_PORT", "6379")),
		RedisPassword:         getEnv("REDIS_PASSWORD", ""),
		RedisDB:               getEnvAsInt("REDIS_DB", 0),
		EscalationSnapshotTTL: getEnvAsSeconds("ESCALATION_SNAPSHOT_TTL_SECONDS", 3600),

		// MQTT配置
		MQTTBrokerURL:      getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
		MQTTClientID:       getEnv("MQTT_CLIENT_ID", "sangzi_server"),
		MQTTUsername:       getEnv("MQTT_USERNAME", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTQoS:            getEnvAsInt("MQTT_QOS", 1),
		MQTTSSLEnabled:     getEnvAsBool("MQTT_SSL_ENABLED", false),
		MQTTTopicPrefix:    strings.Trim(getEnv("MQTT_TOPIC_PREFIX", "sangzi"), "/"),
		MQTTDialAckTimeout: getEnvAsSeconds("MQTT_DIAL_ACK_TIMEOUT_SECONDS", 10),

		// 紧急呼叫配置
		EmergencyNumber:       getEnv("EMERGENCY_NUMBER", "110"),
		EmergencyCallTimeout:  getEnvAsSeconds("EMERGENCY_CALL_TIMEOUT_SECONDS", 30),
		EmergencyAuditTimeout: getEnvAsSeconds("EMERGENCY_AUDIT_TIMEOUT_SECONDS", 2),
		EmergencyIdleEvict:    time.Duration(getEnvAsInt("EMERGENCY_IDLE_EVICT_MINUTES", 30)) * time.Minute,

		// JWT Config
		JWTSecretKey:   getEnv("JWT_SECRET_KEY", "sangzi-secret-key-change-in-production"),
		JWTExpireHours: getEnvAsInt("JWT_EXPIRE_HOURS", 72),
	}
}

// GetConfig returns the application configuration as a singleton
func GetConfig() *Config {
	configOnce.Do(func() {
		config = LoadConfig()
	})
	return config
}

// GetDSN returns the database connection string
func (c *Config) GetDSN() string {
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?charset=utf8mb4&parseTime=True&loc=Local&allowNativePasswords=true"
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// Helper function to get environment variable with default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Helper function to get environment variable as integer with default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variable as boolean with default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// 以秒为单位读取时长，非正数回退到默认值
func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	seconds := getEnvAsInt(key, defaultSeconds)
	if seconds <= 0 {
		seconds = defaultSeconds
	}
	return time.Duration(seconds) * time.Second
}

// 要求必须提供环境变量的辅助函数，依次尝试各个键
func getEnvRequired(keys ...string) string {
	for _, key := range keys {
		if value, exists := os.LookupEnv(key); exists && value != "" {
			return value
		}
	}
	panic(fmt.Sprintf("Required environment variable %s is not set", keys[0]))
}
