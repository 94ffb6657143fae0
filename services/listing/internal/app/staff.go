package app

import (
	"context"
	"fmt"

	"cube/internal/util"
	"cube/pkg/domain"
	"cube/pkg/store"
)

// ResolveCaller adds the roles granted in the user directory to those carried
// by the caller's token.
func (a *App) ResolveCaller(ctx context.Context, caller domain.Caller) (domain.Caller, error) {
	if caller.UserID == "" {
		return caller, nil
	}
	user, ok, err := a.store.GetUser(ctx, caller.UserID)
	if err != nil {
		return caller, fmt.Errorf("load caller: %w", err)
	}
	if !ok {
		return caller, nil
	}
	caller.IsAdmin = caller.IsAdmin || user.IsAdmin
	caller.IsStaff = caller.IsStaff || user.IsStaff || caller.IsAdmin
	return caller, nil
}

// ListStaff returns the users with a staff or admin role.
func (a *App) ListStaff(ctx context.Context, caller domain.Caller) ([]domain.User, error) {
	if !caller.IsStaff {
		return nil, ErrForbidden
	}
	users, err := a.store.ListUsers(ctx, store.UserFilter{StaffOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	return users, nil
}

// SetRole grants or revokes a student's desk role. Only admins may change
// roles, and never their own.
func (a *App) SetRole(ctx context.Context, caller domain.Caller, studentID string, rawRole string) (domain.User, error) {
	if !caller.IsAdmin {
		return domain.User{}, ErrForbidden
	}
	role, ok := domain.ParseRole(rawRole)
	if !ok {
		return domain.User{}, ErrInvalidRole
	}
	user, err := a.resolveStudent(ctx, studentID)
	if err != nil {
		return domain.User{}, err
	}
	if user.ID == caller.UserID {
		return domain.User{}, ErrForbidden
	}
	previous := user.Role()
	user = user.WithRole(role)
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("staff_role_changed",
		"user_id", user.ID, "from", string(previous), "to", string(role), "actor", caller.UserID)
	return user, nil
}
