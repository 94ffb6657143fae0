package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"cube/internal/util"
	"cube/pkg/domain"
)

// ErrUnknownStudent means neither the local store nor the directory knows the id.
var ErrUnknownStudent = errors.New("unknown student")

// Resolver turns a student number into a registered user.
type Resolver interface {
	Resolve(ctx context.Context, studentID string) (domain.User, error)
}

// UserStore is the persistence the resolver needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (domain.User, bool, error)
	SaveUser(ctx context.Context, user domain.User) error
}

// Directory looks students up in the campus directory.
type Directory interface {
	Lookup(ctx context.Context, studentID string) (domain.User, bool, error)
}

// ImportingResolver answers from the local store and imports unknown
// students from the directory on first use.
type ImportingResolver struct {
	users     UserStore
	directory Directory
	group     singleflight.Group
}

// NewImportingResolver builds a resolver. directory may be nil, in which
// case only locally registered users resolve.
func NewImportingResolver(users UserStore, directory Directory) *ImportingResolver {
	return &ImportingResolver{users: users, directory: directory}
}

func (r *ImportingResolver) Resolve(ctx context.Context, studentID string) (domain.User, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return domain.User{}, ErrUnknownStudent
	}
	user, ok, err := r.users.GetUser(ctx, studentID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if ok {
		return user, nil
	}
	if r.directory == nil {
		return domain.User{}, ErrUnknownStudent
	}
	v, err, shared := r.group.Do(studentID, func() (any, error) {
		return r.importStudent(ctx, studentID)
	})
	if err != nil {
		return domain.User{}, err
	}
	if shared {
		util.LoggerFromContext(ctx).Debug("student_import_shared", "student_id", studentID)
	}
	return v.(domain.User), nil
}

func (r *ImportingResolver) importStudent(ctx context.Context, studentID string) (domain.User, error) {
	// An import that finished between our miss and this call already saved the user.
	if user, ok, err := r.users.GetUser(ctx, studentID); err == nil && ok {
		return user, nil
	}
	user, found, err := r.directory.Lookup(ctx, studentID)
	if err != nil {
		return domain.User{}, fmt.Errorf("directory lookup: %w", err)
	}
	if !found {
		return domain.User{}, ErrUnknownStudent
	}
	user.ID = studentID
	user.IsStaff = false
	user.IsAdmin = false
	if err := r.users.SaveUser(ctx, user); err != nil {
		return domain.User{}, fmt.Errorf("save imported user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("student_imported", "student_id", studentID)
	return user, nil
}
