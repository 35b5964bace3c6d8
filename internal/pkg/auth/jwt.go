/**
 * 工具类:通知签名令牌
 * @author: sun977
 * @date: 2025.10.30
 * @description: webhook 通知携带 HS256 令牌，接收方用通道密钥验证来源
 * @func:
 * 	1.签发令牌
 * 	2.验证令牌
 * 	3.从Authorization头提取令牌
 */

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL 通知令牌默认有效期
const DefaultTokenTTL = 5 * time.Minute

// AlertClaims 通知令牌声明
type AlertClaims struct {
	AgentID  string   `json:"agent_id"`
	AlertIDs []string `json:"alert_ids"`
	jwt.RegisteredClaims
}

// TokenSigner 通知令牌签发器
type TokenSigner struct {
	secretKey []byte
	issuer    string
	ttl       time.Duration
}

// NewTokenSigner 创建签发器，ttl<=0 使用默认值
func NewTokenSigner(secretKey, issuer string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if issuer == "" {
		issuer = "agentmonitor"
	}
	return &TokenSigner{secretKey: []byte(secretKey), issuer: issuer, ttl: ttl}
}

// Sign 为一批告警签发令牌
func (s *TokenSigner) Sign(agentID string, alertIDs []string, now time.Time) (string, error) {
	if len(s.secretKey) == 0 {
		return "", errors.New("empty signing secret")
	}
	claims := &AlertClaims{
		AgentID:  agentID,
		AlertIDs: alertIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// Verify 验证令牌签名、签发者和有效期
func (s *TokenSigner) Verify(tokenString string, now time.Time) (*AlertClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AlertClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*AlertClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// ExtractTokenFromHeader 从Authorization头中提取令牌
func ExtractTokenFromHeader(authHeader string) string {
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		return authHeader[7:]
	}
	return ""
}
