package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"mozhi/internal/util"
	"mozhi/pkg/auth"
	"mozhi/pkg/domain"
	"mozhi/pkg/store"
)

// CreateUser registers a new account.
func (a *App) CreateUser(ctx context.Context, email, password string, role domain.UserRole) (domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, err
	}
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	if _, ok, err := a.store.GetUserByEmail(ctx, email); err != nil {
		return domain.User{}, err
	} else if ok {
		return domain.User{}, fmt.Errorf("%w: email already registered", ErrConflict)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    a.timestamp(),
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.User{}, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		return domain.User{}, err
	}
	return user, nil
}

// ensureSuperuser creates the configured admin account, or promotes and
// re-keys it when it already exists.
func (a *App) ensureSuperuser(ctx context.Context, email, password string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	existing, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		user, err := a.CreateUser(ctx, email, password, domain.RoleAdmin)
		if err != nil {
			return err
		}
		slog.Info("superuser created", "user_id", user.ID, "email", user.Email)
		return nil
	}
	if existing.Role == domain.RoleAdmin && auth.CheckPassword(password, existing.PasswordHash) {
		return nil
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	existing.Role = domain.RoleAdmin
	existing.PasswordHash = hash
	if err := a.store.SaveUser(ctx, existing); err != nil {
		return err
	}
	slog.Info("superuser updated", "user_id", existing.ID)
	return nil
}

// Login checks credentials and issues a session token.
func (a *App) Login(ctx context.Context, email, password string) (string, domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", domain.User{}, err
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return "", domain.User{}, ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return "", domain.User{}, fmt.Errorf("create session: %w", err)
	}
	return token, user, nil
}

// Logout invalidates token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves a bearer token to its user.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, kindError(ErrUnauthorized, "invalid or expired token")
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, kindError(ErrUnauthorized, "user no longer exists")
	}
	return user, nil
}

// ResolveUser returns the caller for token. Anonymous callers get the
// fallback account when allowed.
func (a *App) ResolveUser(ctx context.Context, token string) (domain.User, error) {
	if strings.TrimSpace(token) != "" {
		return a.UserFromToken(ctx, token)
	}
	if !a.allowAnonymous {
		return domain.User{}, kindError(ErrUnauthorized, "missing token")
	}
	return a.FallbackUser(ctx)
}

// FallbackUser returns the first admin, else the first user.
func (a *App) FallbackUser(ctx context.Context) (domain.User, error) {
	user, ok, err := a.store.FirstUser(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.User{}, err
	}
	if ok {
		return user, nil
	}
	user, ok, err = a.store.FirstUser(ctx, "")
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrNoUserAvailable
	}
	return user, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email %q", ErrValidation, email)
	}
	return email, nil
}
