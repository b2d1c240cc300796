package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"vetclinic/backend/internal/domain"
	"vetclinic/backend/internal/logger"
	"vetclinic/backend/internal/service"
	"vetclinic/backend/internal/store"
)

const tokenIssuer = "vetclinic"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInactiveAccount    = errors.New("account is inactive")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the slice of the repository the auth manager needs.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context, clinicID string) ([]domain.UserAccount, error)
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
	now      func() time.Time
	log      zerolog.Logger
}

type clinicClaims struct {
	jwtlib.RegisteredClaims
	Role     string `json:"role"`
	ClinicID string `json:"clinic_id"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.WithComponent("auth"),
	}
}

// Login checks the password against the store. A legacy plain-text password is
// accepted once and replaced by its bcrypt hash.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	user, err := a.users.GetUser(ctx, req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}

	legacy := !isPasswordHash(user.Password)
	if legacy {
		if user.Password == "" || subtle.ConstantTimeCompare([]byte(user.Password), []byte(req.Password)) != 1 {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
	} else if !verifyPassword(user.Password, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, ErrInactiveAccount
	}
	if legacy {
		a.upgradePassword(ctx, user.Username, req.Password)
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(*user, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		ClinicID:    user.ClinicID,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) upgradePassword(ctx context.Context, username string, password string) {
	hashed, err := hashPassword(password)
	if err != nil {
		a.log.Warn().Err(err).Str("username", username).Msg("hash legacy password")
		return
	}
	if err := a.users.UpdateUserPassword(ctx, username, hashed); err != nil {
		a.log.Warn().Err(err).Str("username", username).Msg("store upgraded password")
		return
	}
	a.log.Info().Str("username", username).Msg("legacy password upgraded to bcrypt")
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &clinicClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.ClinicID == "" {
		return domain.Actor{}, ErrInvalidToken
	}
	return domain.Actor{Username: sub, Role: claims.Role, ClinicID: claims.ClinicID}, nil
}

func (a *AuthManager) sign(user domain.UserAccount, expiresAt time.Time) (string, error) {
	claims := clinicClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role:     user.Role,
		ClinicID: user.ClinicID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// CreateStaff adds a user to the caller's clinic. Role defaults to receptionist.
func (a *AuthManager) CreateStaff(ctx context.Context, clinicID string, req domain.StaffCreateRequest) (domain.StaffUser, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return domain.StaffUser{}, fmt.Errorf("%w: username must be at least 4 characters", service.ErrInvalidRequest)
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.StaffUser{}, fmt.Errorf("%w: username must not contain spaces", service.ErrInvalidRequest)
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		return domain.StaffUser{}, fmt.Errorf("%w: password must be at least 6 characters", service.ErrInvalidRequest)
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	switch role {
	case "":
		role = domain.RoleReceptionist
	case domain.RoleAdmin, domain.RoleReceptionist, domain.RoleVet:
	default:
		return domain.StaffUser{}, fmt.Errorf("%w: unknown role %q", service.ErrInvalidRequest, req.Role)
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.StaffUser{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	err = a.users.CreateUser(ctx, domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      role,
		ClinicID:  clinicID,
		Active:    true,
		CreatedAt: now,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.StaffUser{}, fmt.Errorf("username already exists: %w", err)
		}
		return domain.StaffUser{}, err
	}

	a.log.Info().Str("clinic_id", clinicID).Str("username", username).Str("role", role).Msg("staff user created")
	return domain.StaffUser{
		Username:  username,
		Role:      role,
		ClinicID:  clinicID,
		Active:    true,
		CreatedAt: now,
	}, nil
}

func (a *AuthManager) ListStaff(ctx context.Context, clinicID string) ([]domain.StaffUser, error) {
	users, err := a.users.ListUsers(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	result := make([]domain.StaffUser, 0, len(users))
	for _, user := range users {
		result = append(result, domain.StaffUser{
			Username:  user.Username,
			Role:      user.Role,
			ClinicID:  user.ClinicID,
			Active:    user.Active,
			CreatedAt: user.CreatedAt,
		})
	}
	return result, nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
