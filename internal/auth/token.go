package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
	ErrNoCredential = errors.New("no token or token secret configured")
)

const issuer = "roomsync"

// TokenSource 为拨号提供鉴权 token
type TokenSource interface {
	Token(ctx context.Context, roomID string) (string, error)
}

// Claims 房间 token 声明
type Claims struct {
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id"`
	jwt.RegisteredClaims
}

// StaticToken 固定 token（由外部登录流程签发）
type StaticToken string

func (s StaticToken) Token(context.Context, string) (string, error) {
	return string(s), nil
}

// Service 使用共享密钥签发 / 校验房间 token（开发环境）
type Service struct {
	secretKey []byte
	playerID  string
	expire    time.Duration
	now       func() time.Time
}

// NewService 创建 token 服务
func NewService(secretKey, playerID string, expire time.Duration) *Service {
	if expire <= 0 {
		expire = time.Hour
	}
	return &Service{
		secretKey: []byte(secretKey),
		playerID:  playerID,
		expire:    expire,
		now:       time.Now,
	}
}

// Token 每次拨号签发新 token，重连时不会使用过期 token
func (s *Service) Token(_ context.Context, roomID string) (string, error) {
	now := s.now()
	claims := &Claims{
		RoomID:   roomID,
		PlayerID: s.playerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.playerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expire)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// Validate 校验 token
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// NewTokenSource 静态 token 优先，其次使用密钥签发
func NewTokenSource(token, secret, playerID string, expire time.Duration) (TokenSource, error) {
	if token != "" {
		return StaticToken(token), nil
	}
	if secret != "" {
		return NewService(secret, playerID, expire), nil
	}
	return nil, ErrNoCredential
}
