package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"
)

// 认证失败码
const (
	CodeTokenMissing     = "TOKEN_MISSING"
	CodeTokenInvalid     = "TOKEN_INVALID"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeTokenNotYetValid = "TOKEN_NOT_YET_VALID"
	CodeTokenTooOld      = "TOKEN_TOO_OLD"
	CodeSessionStale     = "SESSION_STALE"
)

// Error 认证错误，Code 为上面的失败码之一
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf 取出认证错误码，非认证错误返回空串
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Config JWT校验配置
type Config struct {
	Secret           string        `mapstructure:"secret"`
	Algorithms       []string      `mapstructure:"algorithms"`
	Issuer           string        `mapstructure:"issuer"`
	Audience         string        `mapstructure:"audience"`
	MaxTokenAge      time.Duration `mapstructure:"max_token_age"`
	ClockSkew        time.Duration `mapstructure:"clock_skew"`
	SessionFreshness time.Duration `mapstructure:"session_freshness"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
}

// Claims 令牌载荷
type Claims struct {
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	jwt.RegisteredClaims
}

// Identity 校验通过后的身份
type Identity struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// DisplayName 展示名，缺省回退到邮箱和用户ID
func (i *Identity) DisplayName() string {
	switch {
	case i.Name != "":
		return i.Name
	case i.Email != "":
		return i.Email
	default:
		return i.UserID
	}
}

// Gate 令牌校验入口
type Gate struct {
	cfg    Config
	clock  clock.PassiveClock
	parser *jwt.Parser
}

// NewGate 创建校验器
func NewGate(cfg Config, clk clock.PassiveClock) (*Gate, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth: secret is required")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{jwt.SigningMethodHS256.Alg()}
	}
	for _, alg := range cfg.Algorithms {
		if _, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unsupported algorithm %q", alg)
		}
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithTimeFunc(clk.Now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Gate{cfg: cfg, clock: clk, parser: jwt.NewParser(opts...)}, nil
}

// Verify 校验令牌，返回身份
func (g *Gate) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, &Error{Code: CodeTokenMissing}
	}

	claims := &Claims{}
	_, err := g.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(g.cfg.Secret), nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, &Error{Code: CodeTokenExpired, Err: err}
		case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
			return nil, &Error{Code: CodeTokenNotYetValid, Err: err}
		default:
			return nil, &Error{Code: CodeTokenInvalid, Err: err}
		}
	}
	if claims.Subject == "" {
		return nil, &Error{Code: CodeTokenInvalid, Err: errors.New("missing subject")}
	}

	id := &Identity{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Name:     claims.Name,
		TenantID: claims.TenantID,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}

	if g.cfg.MaxTokenAge > 0 {
		if id.IssuedAt.IsZero() {
			return nil, &Error{Code: CodeTokenInvalid, Err: errors.New("missing iat")}
		}
		if age := g.clock.Since(id.IssuedAt); age > g.cfg.MaxTokenAge+g.cfg.ClockSkew {
			return nil, &Error{Code: CodeTokenTooOld, Err: fmt.Errorf("token age %s exceeds %s", age, g.cfg.MaxTokenAge)}
		}
	}
	return id, nil
}

// CheckFreshness 会话延续类操作的二次校验，窗口比令牌有效期更短
func (g *Gate) CheckFreshness(id *Identity) error {
	if id == nil {
		return &Error{Code: CodeTokenMissing}
	}
	now := g.clock.Now()
	if !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt.Add(g.cfg.ClockSkew)) {
		return &Error{Code: CodeTokenExpired}
	}
	if g.cfg.SessionFreshness > 0 && now.Sub(id.IssuedAt) > g.cfg.SessionFreshness+g.cfg.ClockSkew {
		return &Error{Code: CodeSessionStale, Err: fmt.Errorf("issued %s ago", now.Sub(id.IssuedAt))}
	}
	return nil
}

// GenerateToken 签发令牌，仅供本地开发与测试
func (g *Gate) GenerateToken(id Identity) (string, error) {
	now := g.clock.Now()
	issuedAt := id.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = now
	}
	expiresAt := id.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = issuedAt.Add(g.cfg.TokenTTL)
	}

	claims := Claims{
		Email:    id.Email,
		Name:     id.Name,
		TenantID: id.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    g.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if g.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{g.cfg.Audience}
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(g.cfg.Algorithms[0]), claims)
	return token.SignedString([]byte(g.cfg.Secret))
}
