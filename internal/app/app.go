package app

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"titledb/internal/notify"
	"titledb/pkg/domain"
	"titledb/pkg/perm"
	"titledb/pkg/store"
)

const (
	maxUsernameLen = 150
	maxEmailLen    = 254

	// reservedSelfAlias collides with the self-lookup endpoint and can
	// never be registered.
	reservedSelfAlias = "me"
)

var usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	JWTSecret   string
	AccessTTL   time.Duration
	JWTIssuer   string
	JWTAudience string
	JWTLeeway   time.Duration

	Store    store.Store
	Tokens   store.TokenStore
	Notifier notify.Notifier
}

// App is the core application service wiring together storage, token
// issuance, confirmation delivery and the authorization policies.
type App struct {
	store    store.Store
	tokens   store.TokenStore
	notifier notify.Notifier

	// Policies are selected per resource family at composition time.
	usersPolicy   perm.Policy
	catalogPolicy perm.Policy
	contentPolicy perm.Policy
}

// New constructs the application with database storage and token signing.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	tokens := cfg.Tokens
	if tokens == nil {
		var err error
		tokens, err = store.NewJWTTokenStore(cfg.JWTSecret, cfg.AccessTTL, store.TokenOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
		})
		if err != nil {
			return nil, fmt.Errorf("init token store: %w", err)
		}
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(slog.Default())
	}

	return &App{
		store:         dataStore,
		tokens:        tokens,
		notifier:      notifier,
		usersPolicy:   perm.AdminOnly{},
		catalogPolicy: perm.AdminOrReadOnly{},
		contentPolicy: perm.AuthorModeratorAdminOrReadOnly{},
	}, nil
}

// SignUp registers (username, email) and delivers a fresh single-use
// confirmation code. Repeating the exact same pair is idempotent and
// rotates the code; a partial collision fails naming the conflicting
// fields.
func (a *App) SignUp(ctx context.Context, username, email string) (domain.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))

	fields := map[string]string{}
	if msg := usernameProblem(username); msg != "" {
		fields["username"] = msg
	}
	if msg := emailProblem(email); msg != "" {
		fields["email"] = msg
	}
	if len(fields) > 0 {
		return domain.User{}, &ValidationError{Fields: fields}
	}

	user, err := a.findOrCreateSignupUser(username, email)
	if err != nil {
		return domain.User{}, err
	}
	if err := a.rotateConfirmation(ctx, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// findOrCreateSignupUser resolves the signup target: the existing user for
// an exact pair match, a validation error for partial collisions, or a
// freshly created record.
func (a *App) findOrCreateSignupUser(username, email string) (domain.User, error) {
	byName, nameTaken, err := a.store.GetUserByUsername(username)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user by username: %w", err)
	}
	if nameTaken && byName.Email == email {
		return byName, nil
	}
	byEmail, emailTaken, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user by email: %w", err)
	}
	fields := map[string]string{}
	if nameTaken {
		fields["username"] = "username is taken by another account"
	}
	if emailTaken && byEmail.Username != username {
		fields["email"] = "email is bound to another account"
	}
	if len(fields) > 0 {
		return domain.User{}, &ValidationError{Fields: fields}
	}

	now := time.Now().UTC()
	user := domain.User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Role:      domain.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a race with a concurrent signup for the same
			// username or email.
			return domain.User{}, a.signupConflict(username, email)
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (a *App) signupConflict(username, email string) error {
	if _, taken, err := a.store.GetUserByUsername(username); err == nil && taken {
		return &ConflictError{Field: "username"}
	}
	if _, taken, err := a.store.GetUserByEmail(email); err == nil && taken {
		return &ConflictError{Field: "email"}
	}
	return &ConflictError{Field: "username"}
}

// rotateConfirmation mints a new code, persists its hash and delivers it.
func (a *App) rotateConfirmation(ctx context.Context, user *domain.User) error {
	code, err := a.tokens.NewConfirmationCode(user.ID)
	if err != nil {
		return fmt.Errorf("issue confirmation code: %w", err)
	}
	hash, err := hashConfirmationCode(code)
	if err != nil {
		return fmt.Errorf("hash confirmation code: %w", err)
	}
	if err := a.store.SetConfirmationHash(user.ID, hash); err != nil {
		return fmt.Errorf("store confirmation hash: %w", err)
	}
	user.ConfirmationHash = hash
	err = a.notifier.SendConfirmation(ctx, notify.Confirmation{
		Email:    user.Email,
		Username: user.Username,
		Code:     code,
	})
	if err != nil {
		return &DeliveryError{Err: err}
	}
	return nil
}

// IssueToken exchanges a confirmation code for a bearer access token. The
// stored secret is cleared atomically with the compare, so a consumed code
// can never authenticate a second request.
func (a *App) IssueToken(username, code string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", invalidField("username", "username is required")
	}
	if strings.TrimSpace(code) == "" {
		return "", invalidField("confirmationCode", "confirmation code is required")
	}
	user, found, err := a.store.GetUserByUsername(username)
	if err != nil {
		return "", fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return "", ErrNotFound
	}
	if user.ConfirmationHash == "" || !confirmationCodeMatches(user.ConfirmationHash, code) {
		return "", invalidField("confirmationCode", "confirmation code is invalid")
	}
	cleared, err := a.store.ClearConfirmationHash(user.ID, user.ConfirmationHash)
	if err != nil {
		return "", fmt.Errorf("consume confirmation code: %w", err)
	}
	if !cleared {
		// A concurrent exchange consumed the code first.
		return "", invalidField("confirmationCode", "confirmation code is invalid")
	}
	token, err := a.tokens.NewAccessToken(user.ID, user.Role)
	if err != nil {
		return "", fmt.Errorf("issue access token: %w", err)
	}
	return token, nil
}

// UserFromToken resolves a bearer token to a user identity.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	uid, ok, err := a.tokens.UserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// UserPatch carries optional user fields for admin update and self-edit.
// Nil means "leave unchanged".
type UserPatch struct {
	Email     *string
	FirstName *string
	LastName  *string
	Bio       *string
	Role      *domain.Role
}

// ListUsers returns all users ordered by username (admin only).
func (a *App) ListUsers(actor *domain.User) ([]domain.User, error) {
	if !a.usersPolicy.Allow(actor, perm.ActionRead, "") {
		return nil, ErrPermissionDenied
	}
	return a.store.ListUsers()
}

// GetUser returns one user by username (admin only).
func (a *App) GetUser(actor *domain.User, username string) (domain.User, error) {
	if !a.usersPolicy.Allow(actor, perm.ActionRead, "") {
		return domain.User{}, ErrPermissionDenied
	}
	user, found, err := a.store.GetUserByUsername(username)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

// CreateUser registers a user directly with an explicit role (admin only).
func (a *App) CreateUser(actor *domain.User, username, email string, patch UserPatch) (domain.User, error) {
	if !a.usersPolicy.Allow(actor, perm.ActionCreate, "") {
		return domain.User{}, ErrPermissionDenied
	}
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))

	fields := map[string]string{}
	if msg := usernameProblem(username); msg != "" {
		fields["username"] = msg
	}
	if msg := emailProblem(email); msg != "" {
		fields["email"] = msg
	}
	if patch.Role != nil && !validRole(*patch.Role) {
		fields["role"] = "role must be one of user, moderator, admin"
	}
	if len(fields) > 0 {
		return domain.User{}, &ValidationError{Fields: fields}
	}

	now := time.Now().UTC()
	user := domain.User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Role:      domain.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyPatch(&user, patch)
	if err := a.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return domain.User{}, a.signupConflict(username, email)
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// UpdateUser modifies another user's profile and role (admin only).
func (a *App) UpdateUser(actor *domain.User, username string, patch UserPatch) (domain.User, error) {
	if !a.usersPolicy.Allow(actor, perm.ActionModify, "") {
		return domain.User{}, ErrPermissionDenied
	}
	user, found, err := a.store.GetUserByUsername(username)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return domain.User{}, ErrNotFound
	}
	if err := validatePatch(patch); err != nil {
		return domain.User{}, err
	}
	applyPatch(&user, patch)
	user.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return domain.User{}, &ConflictError{Field: "email"}
		}
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// DeleteUser removes a user and cascades their reviews and comments
// (admin only).
func (a *App) DeleteUser(actor *domain.User, username string) error {
	if !a.usersPolicy.Allow(actor, perm.ActionModify, "") {
		return ErrPermissionDenied
	}
	user, found, err := a.store.GetUserByUsername(username)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	deleted, err := a.store.DeleteUser(user.ID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// Me returns the authenticated actor's own record.
func (a *App) Me(actor *domain.User) (domain.User, error) {
	if actor == nil {
		return domain.User{}, ErrPermissionDenied
	}
	return *actor, nil
}

// UpdateMe edits the actor's own profile. A role supplied by a non-admin
// is accepted in the payload but overwritten with the current role, never
// rejected.
func (a *App) UpdateMe(actor *domain.User, patch UserPatch) (domain.User, error) {
	if actor == nil {
		return domain.User{}, ErrPermissionDenied
	}
	if patch.Role != nil && !actor.IsAdmin() {
		role := actor.Role
		patch.Role = &role
	}
	if err := validatePatch(patch); err != nil {
		return domain.User{}, err
	}
	user, found, err := a.store.GetUserByID(actor.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return domain.User{}, ErrNotFound
	}
	applyPatch(&user, patch)
	user.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return domain.User{}, &ConflictError{Field: "email"}
		}
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

func validatePatch(patch UserPatch) error {
	fields := map[string]string{}
	if patch.Email != nil {
		if msg := emailProblem(strings.TrimSpace(strings.ToLower(*patch.Email))); msg != "" {
			fields["email"] = msg
		}
	}
	if patch.Role != nil && !validRole(*patch.Role) {
		fields["role"] = "role must be one of user, moderator, admin"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func applyPatch(user *domain.User, patch UserPatch) {
	if patch.Email != nil {
		user.Email = strings.TrimSpace(strings.ToLower(*patch.Email))
	}
	if patch.FirstName != nil {
		user.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		user.LastName = *patch.LastName
	}
	if patch.Bio != nil {
		user.Bio = *patch.Bio
	}
	if patch.Role != nil {
		user.Role = *patch.Role
	}
}

func usernameProblem(username string) string {
	switch {
	case username == "":
		return "username is required"
	case len(username) > maxUsernameLen:
		return fmt.Sprintf("username must be at most %d characters", maxUsernameLen)
	case strings.EqualFold(username, reservedSelfAlias):
		return `username "me" is reserved`
	case !usernamePattern.MatchString(username):
		return "username may contain only letters, digits and @/./+/-/_"
	}
	return ""
}

func emailProblem(email string) string {
	if email == "" {
		return "email is required"
	}
	if len(email) > maxEmailLen {
		return fmt.Sprintf("email must be at most %d characters", maxEmailLen)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "email is not a valid address"
	}
	return ""
}

func validRole(role domain.Role) bool {
	switch role {
	case domain.RoleUser, domain.RoleModerator, domain.RoleAdmin:
		return true
	}
	return false
}

// Confirmation codes are signed artifacts longer than bcrypt's 72-byte
// input limit, so the bcrypt hash covers a sha256 digest of the code.
func hashConfirmationCode(code string) (string, error) {
	digest := sha256.Sum256([]byte(code))
	hash, err := bcrypt.GenerateFromPassword(digest[:], bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func confirmationCodeMatches(hash, code string) bool {
	digest := sha256.Sum256([]byte(code))
	return bcrypt.CompareHashAndPassword([]byte(hash), digest[:]) == nil
}
