package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity 是从传输层凭证解析出来的用户身份。
type Identity struct {
	UserID   uint64
	Username string
}

// Resolver 是外部身份系统的边界。本核心只消费它，不负责签发。
type Resolver interface {
	Resolve(token string) (*Identity, error)
}

type Claims struct {
	// Go的结构体标签需要用反引号
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// JWTResolver 校验 auth 服务签出的 HS256 access token。
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	if secret == "" {
		secret = "dev-secret"
	}
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) Resolve(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return r.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "access" {
		return nil, errors.New("not an access token")
	}
	return &Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// Sign 签一个 access token。给测试和本地调试用；生产签发在 auth 服务。
func (r *JWTResolver) Sign(userID uint64, username string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// ExtractToken 从 Authorization 头或 ?token= 查询参数提取令牌。
// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query 中获取。
func ExtractToken(authorization, tokenQuery string) string {
	const prefix = "Bearer "
	h := strings.TrimSpace(authorization)
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return strings.TrimSpace(tokenQuery)
}
