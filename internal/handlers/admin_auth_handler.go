package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"proof-orchestrator/internal/config"
)

const adminTokenIssuer = "proof-orchestrator-admin"

// AdminAuthHandler 管理员认证处理器
type AdminAuthHandler struct {
	jwtSecret    []byte
	username     string
	passwordHash []byte
	totpSecret   string
	tokenTTL     time.Duration
	logger       *logrus.Logger
	now          func() time.Time
}

// AdminLoginRequest 管理员登录请求
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

// AdminLoginResponse 管理员登录响应
type AdminLoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

const (
	// AdminRole role claim carried by tokens from AdminLoginHandler
	AdminRole = "admin"
	// ContextAdminUsername gin context key holding the authenticated operator
	ContextAdminUsername = "admin_username"
)

// AdminJWTClaims 管理员 JWT Claims
type AdminJWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// NewAdminAuthHandler 创建管理员认证处理器
func NewAdminAuthHandler(cfg config.AdminConfig, logger *logrus.Logger) *AdminAuthHandler {
	if cfg.JWTSecret == "" || cfg.PasswordHash == "" || cfg.TOTPSecret == "" {
		logrus.Warn("⚠️ 安全警告: admin.jwt_secret / admin.password_hash / admin.totp_secret 未完整配置，管理员登录将被拒绝")
	}
	ttl := time.Duration(cfg.TokenTTL) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	username := cfg.Username
	if username == "" {
		username = "admin"
	}
	return &AdminAuthHandler{
		jwtSecret:    []byte(cfg.JWTSecret),
		username:     username,
		passwordHash: []byte(cfg.PasswordHash),
		totpSecret:   cfg.TOTPSecret,
		tokenTTL:     ttl,
		logger:       logger,
		now:          time.Now,
	}
}

func (h *AdminAuthHandler) configured() bool {
	return len(h.jwtSecret) > 0 && len(h.passwordHash) > 0 && h.totpSecret != ""
}

// AdminLoginHandler 管理员登录处理
func (h *AdminAuthHandler) AdminLoginHandler(c *gin.Context) {
	if !h.configured() {
		c.JSON(http.StatusInternalServerError, AdminLoginResponse{
			Success: false,
			Message: "Server misconfiguration: admin credentials not set",
		})
		return
	}

	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, AdminLoginResponse{
			Success: false,
			Message: fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	// 用户名和密码使用相同的错误消息
	if req.Username != h.username || bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)) != nil {
		h.logger.WithFields(logrus.Fields{
			"username":  req.Username,
			"client_ip": c.ClientIP(),
		}).Warn("Admin login rejected - invalid credentials")
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{
			Success: false,
			Message: "Invalid credentials",
		})
		return
	}

	// 验证 TOTP
	valid, err := totp.ValidateCustom(req.TOTPCode, h.totpSecret, h.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		h.logger.WithFields(logrus.Fields{
			"username":  req.Username,
			"client_ip": c.ClientIP(),
		}).Warn("Admin login rejected - invalid TOTP code")
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{
			Success: false,
			Message: "Invalid TOTP code",
		})
		return
	}

	token, err := h.GenerateToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, AdminLoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
		return
	}

	h.logger.WithField("username", req.Username).Info("✅ Admin login successful")
	c.JSON(http.StatusOK, AdminLoginResponse{
		Success: true,
		Token:   token,
		Message: "Login successful",
	})
}

// GenerateToken 生成管理员 JWT token
func (h *AdminAuthHandler) GenerateToken(username string) (string, error) {
	now := h.now()
	claims := AdminJWTClaims{
		Username: username,
		Role:     AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(h.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    adminTokenIssuer,
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(h.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken 验证管理员 JWT token
func (h *AdminAuthHandler) ValidateToken(tokenString string) (*AdminJWTClaims, error) {
	if len(h.jwtSecret) == 0 {
		return nil, errors.New("admin jwt secret not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &AdminJWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.jwtSecret, nil
	}, jwt.WithIssuer(adminTokenIssuer), jwt.WithTimeFunc(h.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*AdminJWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// GenerateTOTPKey 生成 TOTP secret（仅用于初始化）
func GenerateTOTPKey(accountName string) (*otp.Key, error) {
	if accountName == "" {
		accountName = "admin"
	}
	return totp.Generate(totp.GenerateOpts{
		Issuer:      "Proof Orchestrator Admin",
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
}

// HashAdminPassword bcrypt hash for admin.password_hash
func HashAdminPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
