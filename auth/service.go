package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrRoleRestricted signals an attempt to self-assign a privileged role.
	ErrRoleRestricted = errors.New("auth: role requires admin provisioning")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new user account. When no address is supplied a fresh
// platform address is generated; the address is what escrow records reference.
// Privileged roles (admin, compliance officer, arbiter) cannot be
// self-assigned: the caller must already be an admin. The caller is the zero
// Caller for anonymous self-service registration.
func (s *Service) Register(ctx context.Context, caller Caller, req RegisterRequest) (*User, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleClient
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}
	if rolePrivileged(role) && !caller.IsAdmin() {
		return nil, ErrRoleRestricted
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	address := strings.TrimSpace(req.Address)
	if address == "" {
		if address, err = NewAddress(); err != nil {
			return nil, err
		}
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
		Address:      address,
		Role:         role,
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}

// EnsureAdmin bootstraps the first administrator from deployment settings.
// Existing accounts with the email are left untouched, so the call is safe on
// every boot; further privileged accounts are provisioned by that admin
// through Register.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return fmt.Errorf("auth: admin email and password required")
	}

	_, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("auth: look up admin: %w", err)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash admin password: %w", err)
	}
	address, err := NewAddress()
	if err != nil {
		return err
	}

	_, err = s.repo.CreateUser(ctx, CreateUserParams{
		Email:        email,
		FullName:     "Platform Admin",
		PasswordHash: string(passwordHash),
		Address:      address,
		Role:         RoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("auth: create admin: %w", err)
	}
	return nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.generateToken(user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token: token,
		User:  user,
	}, nil
}

// GetUserByID retrieves user information by ID.
func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a JWT token and returns the caller identity.
func (s *Service) VerifyToken(tokenString string) (Caller, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return Caller{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Caller{}, fmt.Errorf("auth: invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok {
		return Caller{}, fmt.Errorf("auth: invalid user_id in token")
	}
	address, ok := claims["address"].(string)
	if !ok || address == "" {
		return Caller{}, fmt.Errorf("auth: invalid address in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Caller{}, fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Caller{}, fmt.Errorf("auth: invalid role %q in token", roleStr)
	}

	return Caller{UserID: userID, Address: address, Role: role}, nil
}

// NewAddress generates a random 20-byte hex platform address.
func NewAddress() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate address: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

func (s *Service) generateToken(user User) (string, error) {
	claims := jwt.MapClaims{
		"user_id": user.ID,
		"address": user.Address,
		"role":    user.Role,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
		"iat":     time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleComplianceOfficer, RoleAgent, RoleArbiter, RoleClient:
		return true
	default:
		return false
	}
}

// rolePrivileged marks the roles that gate platform mutations: anyone holding
// one can mint, pause, change fees, or rule on disputes, so they are handed
// out by admins only.
func rolePrivileged(role Role) bool {
	switch role {
	case RoleAdmin, RoleComplianceOfficer, RoleArbiter:
		return true
	default:
		return false
	}
}
