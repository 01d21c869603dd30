package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/pkg/logger"
)

// 常量定义。
const (
	tokenTypeAccess       = "access"
	tokenTypeRefresh      = "refresh"
	grantTypePassword     = "password"
	grantTypeRefreshToken = "refresh_token"
	minPasswordLength     = 8
	maxUsernameLength     = 150
)

// Service 负责注册、令牌签发以及 HTTP 请求的身份认证。
type Service struct {
	mode       Mode
	store      Store
	jwt        *jwtManager
	headerName string
	now        func() time.Time
	audit      *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config, store Store) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeJWT
	}
	if store == nil {
		return nil, errors.New("auth requires a user store")
	}
	svc := &Service{
		mode:       mode,
		store:      store,
		headerName: strings.TrimSpace(cfg.HeaderName),
		now:        time.Now,
		audit:      logger.Audit(),
	}
	if svc.headerName == "" {
		svc.headerName = DefaultUserHeader
	}

	switch mode {
	case ModeHeader:
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	// 令牌签发在两种模式下都可用，header 模式下仅用于 CLI 调试。
	if strings.TrimSpace(cfg.JWT.Secret) != "" {
		if cfg.JWT.AccessTTL <= 0 {
			cfg.JWT.AccessTTL = 3600
		}
		if cfg.JWT.RefreshTTL <= 0 {
			cfg.JWT.RefreshTTL = 86400
		}
		svc.jwt = &jwtManager{
			secret:     []byte(cfg.JWT.Secret),
			issuer:     cfg.JWT.Issuer,
			audience:   cfg.JWT.Audience,
			accessTTL:  time.Duration(cfg.JWT.AccessTTL) * time.Second,
			refreshTTL: time.Duration(cfg.JWT.RefreshTTL) * time.Second,
			now:        svc.clock,
		}
	}
	return svc, nil
}

func (s *Service) clock() time.Time {
	return s.now()
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	return s.mode
}

// Register 校验注册信息并创建用户。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	fields := make(map[string]string)
	username := strings.TrimSpace(req.Username)
	switch {
	case username == "":
		fields["username"] = "This field is required."
	case len(username) > maxUsernameLength:
		fields["username"] = "Ensure this field has no more than 150 characters."
	}
	email := strings.TrimSpace(req.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			fields["email"] = "Enter a valid email address."
		}
	}
	if len(req.Password) < minPasswordLength {
		fields["password"] = fmt.Sprintf("Ensure this field has at least %d characters.", minPasswordLength)
	}
	if len(fields) > 0 {
		return nil, xerrors.Validation(fields)
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "hash password")
	}
	user := &User{
		Username:     username,
		Email:        email,
		PasswordHash: hashed,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return nil, xerrors.Validation(map[string]string{
				"username": "A user with that username already exists.",
			})
		}
		return nil, err
	}
	s.audit.Info("user_registered",
		slog.Int64("user_id", user.ID),
		slog.String("username", user.Username),
	)
	return user, nil
}

// Authenticate 根据令牌请求签发令牌对。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s.jwt == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "token issuance is not configured")
	}
	grant := strings.TrimSpace(strings.ToLower(req.GrantType))
	if grant == "" {
		grant = grantTypePassword
	}

	var (
		user *User
		err  error
	)
	switch grant {
	case grantTypePassword:
		user, err = s.store.FindUserByUsername(ctx, strings.TrimSpace(req.Username))
		if err != nil || !verifyPassword(user.PasswordHash, req.Password) {
			s.audit.Warn("token_denied", slog.String("username", req.Username), slog.String("grant", grant))
			return nil, unauthenticated(ErrInvalidCredentials)
		}
	case grantTypeRefreshToken:
		claims, verr := s.jwt.Verify(req.RefreshToken)
		if verr != nil || claims.TokenType != tokenTypeRefresh {
			return nil, unauthenticated(ErrInvalidToken)
		}
		user, err = s.userFromClaims(ctx, claims)
		if err != nil {
			return nil, err
		}
	default:
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, ErrUnsupportedGrant, "")
	}
	if user.Disabled {
		return nil, unauthenticated(ErrSubjectRevoked)
	}

	subject := &Subject{ID: user.ID, Username: user.Username}
	pair, err := s.jwt.Generate(subject)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "sign token")
	}
	pair.Subject = subject.Clone()
	s.audit.Info("token_issued",
		slog.Int64("user_id", user.ID),
		slog.String("grant", grant),
	)
	return pair, nil
}

// AuthenticateRequest 验证请求并返回主体信息。
func (s *Service) AuthenticateRequest(r *http.Request) (*Subject, error) {
	switch s.mode {
	case ModeHeader:
		return s.verifyHeader(r.Context(), r.Header.Get(s.headerName))
	default:
		return s.verifyBearer(r.Context(), r.Header.Get("Authorization"))
	}
}

// verifyBearer 解析 Authorization 头中的 bearer 令牌。
func (s *Service) verifyBearer(ctx context.Context, authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, unauthenticated(ErrMissingToken)
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, unauthenticated(ErrMissingToken)
	}
	claims, err := s.jwt.Verify(token)
	if err != nil || claims.TokenType != tokenTypeAccess {
		return nil, unauthenticated(ErrInvalidToken)
	}
	user, err := s.userFromClaims(ctx, claims)
	if err != nil {
		return nil, err
	}
	if user.Disabled {
		return nil, unauthenticated(ErrSubjectRevoked)
	}
	return &Subject{ID: user.ID, Username: user.Username}, nil
}

// verifyHeader 信任网关注入的用户 ID。
func (s *Service) verifyHeader(ctx context.Context, value string) (*Subject, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, unauthenticated(ErrMissingUserHeader)
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return nil, unauthenticated(ErrInvalidToken)
	}
	subject := &Subject{ID: id}
	if user, err := s.store.FindUserByID(ctx, id); err == nil {
		if user.Disabled {
			return nil, unauthenticated(ErrSubjectRevoked)
		}
		subject.Username = user.Username
	}
	return subject, nil
}

func (s *Service) userFromClaims(ctx context.Context, claims *jwtClaims) (*User, error) {
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, unauthenticated(ErrInvalidToken)
	}
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, unauthenticated(ErrInvalidToken)
		}
		return nil, err
	}
	return user, nil
}

func unauthenticated(cause error) error {
	return xerrors.Wrap(xerrors.CodeUnauthenticated, cause, "")
}

// jwtManager 负责 JWT 令牌的签名和验证。
type jwtManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// jwtClaims 定义 JWT 令牌的声明结构。
type jwtClaims struct {
	Username  string `json:"username,omitempty"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// Generate 生成访问令牌和刷新令牌对。
func (m *jwtManager) Generate(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("subject required")
	}
	now := m.now()
	accessToken, err := m.sign(subject, tokenTypeAccess, now, m.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refreshToken, err := m.sign(subject, tokenTypeRefresh, now, m.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:      accessToken,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refreshToken,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
		TokenType:        "Bearer",
	}, nil
}

func (m *jwtManager) sign(subject *Subject, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwtClaims{
		Username:  subject.Username,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.ID, 10),
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings(append([]string(nil), m.audience...)),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify 验证 JWT 令牌的签名、有效期、签发者与受众。
func (m *jwtManager) Verify(token string) (*jwtClaims, error) {
	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && !claims.VerifyIssuer(m.issuer, true) {
		return nil, ErrInvalidToken
	}
	if len(m.audience) > 0 {
		matched := false
		for _, aud := range m.audience {
			if claims.VerifyAudience(aud, true) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, ErrInvalidToken
		}
	}
	return &claims, nil
}

// HashPassword 使用 bcrypt 对密码进行哈希处理。
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// verifyPassword 验证给定的密码是否与哈希值匹配。
func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}
