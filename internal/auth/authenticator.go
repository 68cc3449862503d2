package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthentication 认证失败
//
// 令牌缺失、格式错误、签名不匹配、身份声明为空全部归并为这一个错误：
// 认证是连接建立时的一次性闸门，没有部分成功或重试语义。
var ErrAuthentication = errors.New("authentication error")

// Identity 从已验证令牌中提取的用户标识
type Identity string

// Claims JWT 自定义声明
//
// 身份信息放在 data 声明里，格式 {"data":{"id":"u1", ...}}。
type Claims struct {
	Data map[string]any `json:"data"`
	jwt.RegisteredClaims
}

// Authenticator 负责验证连接握手时携带的签名令牌
type Authenticator struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewAuthenticator 创建令牌认证器
func NewAuthenticator(secret, issuer string, expiry time.Duration) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
	}
}

// Authenticate 验证令牌并提取用户标识
//
// 策略：容忍 nbf 早于当前时间的令牌（等价于 ignoreNotBefore），
// 因此跳过标准声明校验，只手动检查过期时间。
//
// 返回值:
//   - Identity: 非空的用户标识
//   - error: 任何失败都返回 ErrAuthentication
func (a *Authenticator) Authenticate(tokenString string) (Identity, error) {
	if tokenString == "" {
		return "", ErrAuthentication
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrAuthentication
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", ErrAuthentication
	}

	// 手动检查过期时间（nbf 按策略不检查）
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return "", ErrAuthentication
	}

	if emptyValue(claims.Data) {
		return "", ErrAuthentication
	}

	id := claims.Data["id"]
	if emptyValue(id) {
		return "", ErrAuthentication
	}

	return Identity(fmt.Sprintf("%v", id)), nil
}

// Issue 为指定用户签发访问令牌（登录页使用）
func (a *Authenticator) Issue(id string) (string, error) {
	now := time.Now()
	claims := Claims{
		Data: map[string]any{"id": id},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   id,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// emptyValue 判断声明值是否为空
//
// 空值集合: nil, false, 0, "", "0", 空对象。
func emptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case bool:
		return !val
	case string:
		return val == "" || val == "0"
	case float64:
		return val == 0
	case int:
		return val == 0
	case int64:
		return val == 0
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}
