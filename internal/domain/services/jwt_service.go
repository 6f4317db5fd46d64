package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"gorm.io/gorm"

	"sangzi-care-service/internal/domain/models"
	"sangzi-care-service/internal/infrastructure/config"
	"sangzi-care-service/pkg/utils"
)

// InterfaceJWTService 定义JWT服务接口
type InterfaceJWTService interface {
	GenerateToken(userID uint, role models.UserRole) (string, error)
	ValidateToken(tokenString string) (*jwt.Token, error)
	ExtractClaims(tokenString string) (*JWTClaims, error)
	Register(req RegisterRequest) (*LoginResult, error)
	Login(phone, password string) (*LoginResult, error)
}

// RegisterRequest 注册参数
type RegisterRequest struct {
	Phone    string          `json:"phone" binding:"required" example:"13800000000"`
	Password string          `json:"password" binding:"required,min=6" example:"secret123"`
	Name     string          `json:"name" example:"张阿姨"`
	Role     models.UserRole `json:"role" binding:"required" example:"elder"`
	DeviceID string          `json:"device_id" example:"watch-0001"`
}

// LoginResult 表示登录结果
type LoginResult struct {
	Token     string          `json:"token"`
	UserID    uint            `json:"user_id"`
	Role      models.UserRole `json:"role"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone"`
	CreatedAt time.Time       `json:"created_at"`
}

// JWTService 提供JWT相关服务
type JWTService struct {
	secretKey   string
	issuer      string
	expireHours int
	DB          *gorm.DB
}

// JWTClaims 定义JWT令牌的声明结构
type JWTClaims struct {
	UserID uint            `json:"user_id"`
	Role   models.UserRole `json:"role"`
	jwt.RegisteredClaims
}

// NewJWTService 创建一个新的JWT服务
func NewJWTService(cfg *config.Config, db *gorm.DB) InterfaceJWTService {
	expireHours := cfg.JWTExpireHours
	if expireHours <= 0 {
		expireHours = 72
	}
	return &JWTService{
		secretKey:   cfg.JWTSecretKey,
		issuer:      "sangzi-care-service",
		expireHours: expireHours,
		DB:          db,
	}
}

// 1 GenerateToken 生成JWT令牌
func (s *JWTService) GenerateToken(userID uint, role models.UserRole) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secretKey))
}

// 2 ValidateToken 验证JWT令牌
func (s *JWTService) ValidateToken(tokenString string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.secretKey), nil
	})
}

// 3 ExtractClaims 从令牌中提取声明
func (s *JWTService) ExtractClaims(tokenString string) (*JWTClaims, error) {
	token, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == 0 || !claims.Role.Valid() {
		return nil, errors.New("invalid token subject")
	}
	return claims, nil
}

// 4 Register 注册新用户并直接返回登录结果
func (s *JWTService) Register(req RegisterRequest) (*LoginResult, error) {
	phone := strings.TrimSpace(req.Phone)
	if !req.Role.Valid() {
		return nil, ErrInvalidRole
	}

	var count int64
	if err := s.DB.Model(&models.User{}).Where("phone = ?", phone).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUserAlreadyExists
	}

	hashed, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("密码加密失败: %w", err)
	}

	user := &models.User{
		Phone:    phone,
		Password: hashed,
		Name:     req.Name,
		Role:     req.Role,
		DeviceID: req.DeviceID,
	}
	if err := s.DB.Create(user).Error; err != nil {
		return nil, err
	}

	return s.loginResult(user)
}

// 5 Login 使用手机号和密码登录
func (s *JWTService) Login(phone, password string) (*LoginResult, error) {
	var user models.User
	if err := s.DB.Where("phone = ?", strings.TrimSpace(phone)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !utils.CheckPasswordHash(password, user.Password) {
		return nil, ErrInvalidCredentials
	}

	return s.loginResult(&user)
}

func (s *JWTService) loginResult(user *models.User) (*LoginResult, error) {
	token, err := s.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		Token:     token,
		UserID:    user.ID,
		Role:      user.Role,
		Name:      user.Name,
		Phone:     user.Phone,
		CreatedAt: user.CreatedAt,
	}, nil
}
