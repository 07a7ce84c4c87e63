package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"feedbackhub/api/internal/store"
	"feedbackhub/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("weak password")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrInvalidName        = errors.New("invalid name")
)

type userStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
}

type Service struct {
	store userStore
	cost  int
}

func New(st userStore) *Service {
	return &Service{store: st, cost: bcrypt.DefaultCost}
}

// SignUp validates the registration fields, hashes the password and
// persists the user. store.ErrEmailTaken passes through untouched so
// the caller can map it to a conflict response.
func (s *Service) SignUp(ctx context.Context, name, email, password string) (store.User, error) {
	name = strings.TrimSpace(name)
	if len(name) < 2 || len(name) > 100 {
		return store.User{}, ErrInvalidName
	}
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return store.User{}, ErrInvalidEmail
	}
	if err := checkPassword(password); err != nil {
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	user.PasswordHash = ""
	return user, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = NormalizeEmail(email)
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	user.PasswordHash = ""
	return user, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether the address is plausible enough to accept.
func ValidEmail(email string) bool {
	if len(email) == 0 || len(email) > 255 {
		return false
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	if strings.ContainsAny(email, " \t") {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}

func checkPassword(password string) error {
	if len(password) < 8 || len(password) > 100 {
		return ErrWeakPassword
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return ErrWeakPassword
	}
	return nil
}
