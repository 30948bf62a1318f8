package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/unitask/unitask-backend/internal/cache"
	"github.com/unitask/unitask-backend/internal/idgen"
	"github.com/unitask/unitask-backend/internal/logger"
	"github.com/unitask/unitask-backend/internal/models"
	"github.com/unitask/unitask-backend/internal/pkg/apperror"
	"github.com/unitask/unitask-backend/internal/session"
)

// AuthUserStore — порт хранилища принципалов всех трёх realm'ов.
type AuthUserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	GetCustomerService(ctx context.Context, id string) (*models.CustomerService, error)
	GetCustomerServiceByEmail(ctx context.Context, email string) (*models.CustomerService, error)
	SetServiceOnline(ctx context.Context, serviceID string, online bool) error
	GetAdmin(ctx context.Context, id string) (*models.AdminUser, error)
	GetAdminByEmail(ctx context.Context, email string) (*models.AdminUser, error)
	ConsumeBackupCode(ctx context.Context, adminID, codeHash string) (bool, error)
}

// AuthService — регистрация, вход, выход, ротация refresh-токенов.
// Сессии непрозрачные и отзывные, живут в KV; каждый realm со своим TTL.
type AuthService struct {
	users      AuthUserStore
	sessions   *session.Store
	cache      *cache.Cache
	refreshTTL time.Duration
	now        idgen.Clock
}

// NewAuthService создаёт новый экземпляр.
func NewAuthService(users AuthUserStore, sessions *session.Store, c *cache.Cache, refreshTTL time.Duration) *AuthService {
	return &AuthService{
		users:      users,
		sessions:   sessions,
		cache:      c,
		refreshTTL: refreshTTL,
		now:        idgen.UTCNow,
	}
}

// LoginResult — сессия и refresh-токен, выданные при входе.
type LoginResult struct {
	Session      *session.SessionInfo
	RefreshToken string
}

// Register создаёт пользователя с bcrypt-хэшем пароля.
func (s *AuthService) Register(ctx context.Context, name, email, phone, password, timezone string) (*models.User, error) {
	if name == "" || email == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "name and email are required")
	}
	if len(password) < 8 {
		return nil, apperror.New(apperror.ErrCodeValidation, "password must be at least 8 characters")
	}
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, apperror.New(apperror.ErrCodeConflict, "email is already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "failed to hash password")
	}
	id, err := idgen.ShortID("u", 10)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "failed to generate user id")
	}
	if timezone == "" {
		timezone = "UTC"
	}

	user := &models.User{
		ID:           id,
		Name:         name,
		Email:        &email,
		PasswordHash: string(hash),
		Level:        models.LevelNormal,
		Timezone:     timezone,
	}
	if phone != "" {
		user.Phone = &phone
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	logger.Log.WithField("user_id", user.ID).Info("зарегистрирован новый пользователь")
	return user, nil
}

// Login аутентифицирует принципала в его realm'е и выдаёт сессию с
// refresh-токеном. Для админов на входе обязателен TOTP либо резервный
// код; резервный код гасится при использовании.
func (s *AuthService) Login(ctx context.Context, realm, email, password, totpCode, deviceFP, ip string) (*LoginResult, error) {
	var principalID, passwordHash string

	switch realm {
	case models.RealmUser:
		user, err := s.users.GetByEmail(ctx, email)
		if err != nil {
			return nil, apperror.ErrInvalidCredentials
		}
		if user.IsBanned || !user.IsActive {
			return nil, apperror.New(apperror.ErrCodeForbidden, "account is not available")
		}
		if user.Suspended(s.now()) {
			return nil, apperror.New(apperror.ErrCodeForbidden, "account is suspended")
		}
		principalID, passwordHash = user.ID, user.PasswordHash

	case models.RealmService:
		cs, err := s.users.GetCustomerServiceByEmail(ctx, email)
		if err != nil {
			return nil, apperror.ErrInvalidCredentials
		}
		if !cs.IsActive {
			return nil, apperror.New(apperror.ErrCodeForbidden, "account is not available")
		}
		principalID, passwordHash = cs.ID, cs.PasswordHash

	case models.RealmAdmin:
		admin, err := s.users.GetAdminByEmail(ctx, email)
		if err != nil {
			return nil, apperror.ErrInvalidCredentials
		}
		if !admin.IsActive {
			return nil, apperror.New(apperror.ErrCodeForbidden, "account is not available")
		}
		if err := s.verifySecondFactor(ctx, admin, totpCode); err != nil {
			return nil, err
		}
		principalID, passwordHash = admin.ID, admin.PasswordHash

	default:
		return nil, apperror.New(apperror.ErrCodeBadRequest, "unknown auth realm")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, apperror.ErrInvalidCredentials
	}

	info, err := s.sessions.CreateSession(ctx, principalID, realm, deviceFP, ip)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "failed to create session")
	}
	refresh, err := s.sessions.IssueRefreshToken(ctx, info, s.refreshTTL)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.ErrCodeInternal, "failed to issue refresh token")
	}

	if realm == models.RealmService {
		_ = s.users.SetServiceOnline(ctx, principalID, true)
	}
	return &LoginResult{Session: info, RefreshToken: refresh}, nil
}

// verifySecondFactor проверяет TOTP админа, при неудаче пробует
// одноразовый резервный код.
func (s *AuthService) verifySecondFactor(ctx context.Context, admin *models.AdminUser, code string) error {
	if admin.TOTPSecret == nil || *admin.TOTPSecret == "" {
		return nil // 2FA ещё не настроена
	}
	if code == "" {
		return apperror.New(apperror.ErrCodeUnauthorized, "totp code required")
	}
	if totp.Validate(code, *admin.TOTPSecret) {
		return nil
	}
	used, err := s.users.ConsumeBackupCode(ctx, admin.ID, hashBackupCode(code))
	if err != nil {
		return apperror.Wrap(err, apperror.ErrCodeInternal, "failed to check backup code")
	}
	if !used {
		return apperror.New(apperror.ErrCodeUnauthorized, "invalid totp code")
	}
	logger.Log.WithField("admin_id", admin.ID).Warn("вход по резервному коду 2FA")
	return nil
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Вердикт о допуске принципала кэшируется коротко: отзыв доступа
// срабатывает не позже чем через минуту после бана.
const principalStatusTTL = time.Minute

type principalStatus struct {
	Active    bool `json:"active"`
	Banned    bool `json:"banned"`
	Suspended bool `json:"suspended"`
}

// CheckActive проверяет на каждом запросе, что принципал не забанен,
// не приостановлен и не деактивирован. Валидная сессия сама по себе
// доступа не даёт.
func (s *AuthService) CheckActive(ctx context.Context, principalID, realm string) error {
	var st principalStatus
	if s.cache != nil {
		key := cache.Key("principal_status", realm, principalID)
		if err := s.cache.GetOrSet(ctx, key, principalStatusTTL, &st, func() (interface{}, error) {
			return s.loadPrincipalStatus(ctx, principalID, realm)
		}); err != nil {
			return err
		}
	} else {
		loaded, err := s.loadPrincipalStatus(ctx, principalID, realm)
		if err != nil {
			return err
		}
		st = *loaded
	}

	if !st.Active || st.Banned {
		return apperror.New(apperror.ErrCodeForbidden, "account is not available")
	}
	if st.Suspended {
		return apperror.New(apperror.ErrCodeForbidden, "account is suspended")
	}
	return nil
}

func (s *AuthService) loadPrincipalStatus(ctx context.Context, principalID, realm string) (*principalStatus, error) {
	switch realm {
	case models.RealmUser:
		user, err := s.users.GetByID(ctx, principalID)
		if err != nil {
			return nil, err
		}
		return &principalStatus{
			Active:    user.IsActive,
			Banned:    user.IsBanned,
			Suspended: user.Suspended(s.now()),
		}, nil
	case models.RealmService:
		cs, err := s.users.GetCustomerService(ctx, principalID)
		if err != nil {
			return nil, err
		}
		return &principalStatus{Active: cs.IsActive}, nil
	case models.RealmAdmin:
		admin, err := s.users.GetAdmin(ctx, principalID)
		if err != nil {
			return nil, err
		}
		return &principalStatus{Active: admin.IsActive}, nil
	default:
		return nil, apperror.New(apperror.ErrCodeBadRequest, "unknown auth realm")
	}
}

// Refresh ротирует refresh-токен: при успешном погашении старый
// гасится, выдаётся новая сессия и новый токен.
func (s *AuthService) Refresh(ctx context.Context, realm, token, ip, deviceFP string) (*LoginResult, error) {
	info, newToken, err := s.sessions.VerifyAndConsume(ctx, realm, token, ip, deviceFP, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: info, RefreshToken: newToken}, nil
}

// Logout отзывает сессию.
func (s *AuthService) Logout(ctx context.Context, realm, sessionID, principalID string) error {
	if realm == models.RealmService {
		_ = s.users.SetServiceOnline(ctx, principalID, false)
	}
	return s.sessions.RevokeSession(ctx, sessionID, realm)
}

// LogoutOthers отзывает все сессии принципала, кроме текущей.
func (s *AuthService) LogoutOthers(ctx context.Context, principalID, realm, keepSessionID string) (int, error) {
	return s.sessions.RevokeOtherSessions(ctx, principalID, realm, keepSessionID)
}

// GetUser возвращает профиль пользователя.
func (s *AuthService) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.users.GetByID(ctx, id)
}

// ListSessions возвращает активные сессии принципала.
func (s *AuthService) ListSessions(ctx context.Context, principalID, realm string) ([]*session.SessionInfo, error) {
	return s.sessions.ListSessions(ctx, principalID, realm)
}
