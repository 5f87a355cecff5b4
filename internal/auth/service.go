package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"synctext/internal/config"
	"synctext/internal/database"
	"synctext/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")

	// ErrInvalidRegistration wraps every registration input rejection.
	ErrInvalidRegistration = errors.New("invalid registration")
)

// Claims carries the username as the token subject.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Service struct {
	users database.IdentityStore
	cfg   *config.Config
}

func NewService(users database.IdentityStore, cfg *config.Config) *Service {
	return &Service{
		users: users,
		cfg:   cfg,
	}
}

func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (*models.LoginResponse, error) {
	// Validate input
	if err := s.validateRegistrationRequest(req); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.CreateUser(ctx, req.Username, string(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	token, err := s.generateToken(user.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &models.LoginResponse{
		Success:     true,
		Token:       token,
		Username:    user.Username,
		JoinedRooms: []string{},
	}, nil
}

func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error) {
	user, err := s.users.FindByUsername(ctx, req.Username)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.generateToken(user.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	rooms := user.JoinedRooms
	if rooms == nil {
		rooms = []string{}
	}
	return &models.LoginResponse{
		Success:     true,
		Token:       token,
		Username:    user.Username,
		JoinedRooms: rooms,
	}, nil
}

// ValidateToken returns the username the token was issued to.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.cfg.JWT.Secret, nil
	})
	if err != nil {
		return "", errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || claims.Username == "" {
		return "", ErrInvalidToken
	}

	return claims.Username, nil
}

func (s *Service) generateToken(username string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWT.ExpiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.JWT.Secret)
}

func (s *Service) validateRegistrationRequest(req *models.RegisterRequest) error {
	// Usernames are case-sensitive; only surrounding whitespace is dropped.
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		return fmt.Errorf("%w: missing required fields", ErrInvalidRegistration)
	}

	if len(req.Username) < 3 || len(req.Username) > 30 {
		return fmt.Errorf("%w: username must be 3-30 characters long", ErrInvalidRegistration)
	}
	if strings.ContainsAny(req.Username, " \t\r\n") {
		return fmt.Errorf("%w: username must not contain whitespace", ErrInvalidRegistration)
	}

	// Validate password strength
	if len(req.Password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters long", ErrInvalidRegistration)
	}

	return nil
}
