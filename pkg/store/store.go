package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clawcrm/clawcrm/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store provides persistence for every CRM core entity.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Users.
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUserRole(ctx context.Context, id, role string) error
	TouchUser(ctx context.Context, id string, t time.Time) error

	// Channel identities.
	FindChannelIdentity(
		ctx context.Context, channel, channelUserID string,
	) (*ChannelIdentity, error)
	CreateChannelIdentity(ctx context.Context, identity *ChannelIdentity) error
	CreateUserWithChannel(
		ctx context.Context, user *User, identity *ChannelIdentity,
	) error
	ListChannelIdentities(
		ctx context.Context, userID string,
	) ([]ChannelIdentity, error)

	// Passkey credentials.
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredentialByCredentialID(
		ctx context.Context, credentialID string,
	) (*Credential, error)
	ListCredentialsByUser(ctx context.Context, userID string) ([]Credential, error)
	UpdateCredentialCounter(
		ctx context.Context, id string, counter uint32, usedAt time.Time,
	) error
	DeleteCredential(ctx context.Context, userID, id string) error

	// Sessions.
	CreateSession(ctx context.Context, session *Session) error
	GetValidSession(
		ctx context.Context, token string, now time.Time,
	) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Paired instances.
	CreatePairedInstance(ctx context.Context, instance *PairedInstance) error
	GetPendingInstanceByKeyHash(
		ctx context.Context, keyHash string,
	) (*PairedInstance, error)
	ActivateInstance(
		ctx context.Context, id, tokenHash string, origin *string, now time.Time,
	) (bool, error)
	GetActiveInstanceByTokenHash(
		ctx context.Context, tokenHash string,
	) (*PairedInstance, error)
	TouchInstance(ctx context.Context, id string, t time.Time) error
	RevokeInstance(ctx context.Context, id string) error
	ListPairedInstances(ctx context.Context) ([]PairedInstance, error)

	// Permissions.
	CreatePermission(ctx context.Context, perm *Permission) error
	FindPermission(
		ctx context.Context,
		subjectType, subjectID, resource, resourceID, action string,
	) (*Permission, error)
	DeletePermission(ctx context.Context, id string) error
	ListPermissions(
		ctx context.Context, subjectType, subjectID string,
	) ([]Permission, error)
	ListAllPermissions(ctx context.Context) ([]Permission, error)

	// Groups.
	CreateGroup(ctx context.Context, group *Group) error
	ListGroups(ctx context.Context) ([]Group, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	RemoveGroupMember(ctx context.Context, groupID, userID string) error
	ListGroupIDsForUser(ctx context.Context, userID string) ([]string, error)

	// Audit log.
	CreateAuditEntry(ctx context.Context, entry *AuditLogEntry) error
	ListAuditEntriesBefore(
		ctx context.Context, before time.Time, limit int,
	) ([]AuditLogEntry, error)
	DeleteAuditEntries(ctx context.Context, ids []string) error

	// Seeding from config.
	SeedAdmins(ctx context.Context, admins []config.AdminUser) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection serialises writers and keeps :memory:
		// databases shared across the pool.
		sqlDB, err := s.db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&User{},
		&ChannelIdentity{},
		&Credential{},
		&Session{},
		&PairedInstance{},
		&Permission{},
		&Group{},
		&GroupMember{},
		&AuditLogEntry{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// wrap annotates err and maps gorm's record-not-found onto ErrNotFound.
func wrap(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// --- Users ---

func (s *store) GetUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&user).Error; err != nil {
		return nil, wrap("getting user by id", err)
	}

	return &user, nil
}

func (s *store) GetUserByEmail(
	ctx context.Context, email string,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("email = ?", email).
		First(&user).Error; err != nil {
		return nil, wrap("getting user by email", err)
	}

	return &user, nil
}

func (s *store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return users, nil
}

func (s *store) CreateUser(ctx context.Context, user *User) error {
	ensureID(&user.ID)
	applyUserDefaults(user)

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}

func applyUserDefaults(user *User) {
	if user.Role == "" {
		user.Role = RoleUser
	}

	if user.Locale == "" {
		user.Locale = "de"
	}

	if user.Theme == "" {
		user.Theme = "system"
	}
}

func (s *store) UpdateUserRole(ctx context.Context, id, role string) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Update("role", role)
	if result.Error != nil {
		return fmt.Errorf("updating user role: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("updating user role: %w", ErrNotFound)
	}

	return nil
}

func (s *store) TouchUser(ctx context.Context, id string, t time.Time) error {
	if err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", id).
		Update("last_active_at", t).Error; err != nil {
		return fmt.Errorf("updating user last active: %w", err)
	}

	return nil
}

// --- Channel identities ---

func (s *store) FindChannelIdentity(
	ctx context.Context, channel, channelUserID string,
) (*ChannelIdentity, error) {
	var identity ChannelIdentity
	if err := s.db.WithContext(ctx).
		Where("channel = ? AND channel_user_id = ?", channel, channelUserID).
		Order("linked_at ASC").
		First(&identity).Error; err != nil {
		return nil, wrap("finding channel identity", err)
	}

	return &identity, nil
}

func (s *store) CreateChannelIdentity(
	ctx context.Context, identity *ChannelIdentity,
) error {
	ensureID(&identity.ID)

	if err := s.db.WithContext(ctx).Create(identity).Error; err != nil {
		return fmt.Errorf("creating channel identity: %w", err)
	}

	return nil
}

// CreateUserWithChannel inserts the user and its first identity in one
// transaction so neither row survives without the other.
func (s *store) CreateUserWithChannel(
	ctx context.Context, user *User, identity *ChannelIdentity,
) error {
	ensureID(&user.ID)
	ensureID(&identity.ID)
	applyUserDefaults(user)

	identity.UserID = user.ID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("creating user: %w", err)
		}

		if err := tx.Create(identity).Error; err != nil {
			return fmt.Errorf("creating channel identity: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("creating user with channel: %w", err)
	}

	return nil
}

func (s *store) ListChannelIdentities(
	ctx context.Context, userID string,
) ([]ChannelIdentity, error) {
	var identities []ChannelIdentity
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("linked_at ASC").
		Find(&identities).Error; err != nil {
		return nil, fmt.Errorf("listing channel identities: %w", err)
	}

	return identities, nil
}

// --- Passkey credentials ---

func (s *store) CreateCredential(ctx context.Context, cred *Credential) error {
	ensureID(&cred.ID)

	if err := s.db.WithContext(ctx).Create(cred).Error; err != nil {
		return fmt.Errorf("creating credential: %w", err)
	}

	return nil
}

func (s *store) GetCredentialByCredentialID(
	ctx context.Context, credentialID string,
) (*Credential, error) {
	var cred Credential
	if err := s.db.WithContext(ctx).
		Where("credential_id = ?", credentialID).
		First(&cred).Error; err != nil {
		return nil, wrap("getting credential", err)
	}

	return &cred, nil
}

func (s *store) ListCredentialsByUser(
	ctx context.Context, userID string,
) ([]Credential, error) {
	var creds []Credential
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	return creds, nil
}

func (s *store) UpdateCredentialCounter(
	ctx context.Context, id string, counter uint32, usedAt time.Time,
) error {
	if err := s.db.WithContext(ctx).
		Model(&Credential{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"counter":      counter,
			"last_used_at": usedAt,
		}).Error; err != nil {
		return fmt.Errorf("updating credential counter: %w", err)
	}

	return nil
}

func (s *store) DeleteCredential(ctx context.Context, userID, id string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&Credential{})
	if result.Error != nil {
		return fmt.Errorf("deleting credential: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting credential: %w", ErrNotFound)
	}

	return nil
}

// --- Sessions ---

func (s *store) CreateSession(ctx context.Context, session *Session) error {
	ensureID(&session.ID)

	session.ExpiresAt = session.ExpiresAt.UTC()

	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

// GetValidSession returns the session for token if it expires after now.
func (s *store) GetValidSession(
	ctx context.Context, token string, now time.Time,
) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", token, now.UTC()).
		First(&session).Error; err != nil {
		return nil, wrap("getting session by token", err)
	}

	return &session, nil
}

func (s *store) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	return sessions, nil
}

func (s *store) DeleteSession(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

// DeleteExpiredSessions removes sessions whose expiry lies strictly before now.
func (s *store) DeleteExpiredSessions(
	ctx context.Context, now time.Time,
) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now.UTC()).
		Delete(&Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// --- Paired instances ---

func (s *store) CreatePairedInstance(
	ctx context.Context, instance *PairedInstance,
) error {
	ensureID(&instance.ID)

	if instance.Status == "" {
		instance.Status = InstancePending
	}

	if err := s.db.WithContext(ctx).Create(instance).Error; err != nil {
		return fmt.Errorf("creating paired instance: %w", err)
	}

	return nil
}

func (s *store) GetPendingInstanceByKeyHash(
	ctx context.Context, keyHash string,
) (*PairedInstance, error) {
	var instance PairedInstance
	if err := s.db.WithContext(ctx).
		Where("instance_key_hash = ? AND status = ?", keyHash, InstancePending).
		First(&instance).Error; err != nil {
		return nil, wrap("getting pending instance", err)
	}

	return &instance, nil
}

// ActivateInstance flips a pending instance to active. The status predicate
// makes the update a compare-and-swap: it reports false when another caller
// already consumed the instance key.
func (s *store) ActivateInstance(
	ctx context.Context, id, tokenHash string, origin *string, now time.Time,
) (bool, error) {
	updates := map[string]any{
		"status":        InstanceActive,
		"ws_token_hash": tokenHash,
		"paired_at":     now.UTC(),
		"last_seen_at":  now.UTC(),
	}

	if origin != nil {
		updates["origin"] = *origin
	}

	result := s.db.WithContext(ctx).
		Model(&PairedInstance{}).
		Where("id = ? AND status = ?", id, InstancePending).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("activating instance: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

func (s *store) GetActiveInstanceByTokenHash(
	ctx context.Context, tokenHash string,
) (*PairedInstance, error) {
	var instance PairedInstance
	if err := s.db.WithContext(ctx).
		Where("ws_token_hash = ? AND status = ?", tokenHash, InstanceActive).
		First(&instance).Error; err != nil {
		return nil, wrap("getting active instance", err)
	}

	return &instance, nil
}

func (s *store) TouchInstance(ctx context.Context, id string, t time.Time) error {
	if err := s.db.WithContext(ctx).
		Model(&PairedInstance{}).
		Where("id = ?", id).
		Update("last_seen_at", t.UTC()).Error; err != nil {
		return fmt.Errorf("updating instance last seen: %w", err)
	}

	return nil
}

func (s *store) RevokeInstance(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&PairedInstance{}).
		Where("id = ?", id).
		Update("status", InstanceRevoked)
	if result.Error != nil {
		return fmt.Errorf("revoking instance: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("revoking instance: %w", ErrNotFound)
	}

	return nil
}

func (s *store) ListPairedInstances(
	ctx context.Context,
) ([]PairedInstance, error) {
	var instances []PairedInstance
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("listing paired instances: %w", err)
	}

	return instances, nil
}

// --- Permissions ---

func (s *store) CreatePermission(ctx context.Context, perm *Permission) error {
	ensureID(&perm.ID)

	if err := s.db.WithContext(ctx).Create(perm).Error; err != nil {
		return fmt.Errorf("creating permission: %w", err)
	}

	return nil
}

func (s *store) FindPermission(
	ctx context.Context,
	subjectType, subjectID, resource, resourceID, action string,
) (*Permission, error) {
	var perm Permission
	if err := s.db.WithContext(ctx).
		Where(
			"subject_type = ? AND subject_id = ? AND resource = ? "+
				"AND resource_id = ? AND action = ?",
			subjectType, subjectID, resource, resourceID, action,
		).
		Limit(1).
		Take(&perm).Error; err != nil {
		return nil, wrap("finding permission", err)
	}

	return &perm, nil
}

func (s *store) DeletePermission(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&Permission{}).Error; err != nil {
		return fmt.Errorf("deleting permission: %w", err)
	}

	return nil
}

func (s *store) ListPermissions(
	ctx context.Context, subjectType, subjectID string,
) ([]Permission, error) {
	var perms []Permission
	if err := s.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ?", subjectType, subjectID).
		Order("id ASC").
		Find(&perms).Error; err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}

	return perms, nil
}

func (s *store) ListAllPermissions(ctx context.Context) ([]Permission, error) {
	var perms []Permission
	if err := s.db.WithContext(ctx).
		Order("subject_type ASC, subject_id ASC, id ASC").
		Find(&perms).Error; err != nil {
		return nil, fmt.Errorf("listing all permissions: %w", err)
	}

	return perms, nil
}

// --- Groups ---

func (s *store) CreateGroup(ctx context.Context, group *Group) error {
	ensureID(&group.ID)

	if err := s.db.WithContext(ctx).Create(group).Error; err != nil {
		return fmt.Errorf("creating group: %w", err)
	}

	return nil
}

func (s *store) ListGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	if err := s.db.WithContext(ctx).
		Order("name ASC").
		Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	return groups, nil
}

func (s *store) AddGroupMember(ctx context.Context, groupID, userID string) error {
	member := &GroupMember{
		ID:      uuid.NewString(),
		GroupID: groupID,
		UserID:  userID,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", groupID).First(&Group{}).Error; err != nil {
			return wrap("adding group member: group "+groupID, err)
		}

		if err := tx.Where("id = ?", userID).First(&User{}).Error; err != nil {
			return wrap("adding group member: user "+userID, err)
		}

		if err := tx.Where("group_id = ? AND user_id = ?", groupID, userID).
			FirstOrCreate(member).Error; err != nil {
			return fmt.Errorf("adding group member: %w", err)
		}

		return nil
	})
}

func (s *store) RemoveGroupMember(
	ctx context.Context, groupID, userID string,
) error {
	if err := s.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&GroupMember{}).Error; err != nil {
		return fmt.Errorf("removing group member: %w", err)
	}

	return nil
}

func (s *store) ListGroupIDsForUser(
	ctx context.Context, userID string,
) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&GroupMember{}).
		Where("user_id = ?", userID).
		Order("id ASC").
		Pluck("group_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing user groups: %w", err)
	}

	return ids, nil
}

// --- Audit log ---

func (s *store) CreateAuditEntry(
	ctx context.Context, entry *AuditLogEntry,
) error {
	ensureID(&entry.ID)

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	entry.Timestamp = entry.Timestamp.UTC()

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("creating audit entry: %w", err)
	}

	return nil
}

func (s *store) ListAuditEntriesBefore(
	ctx context.Context, before time.Time, limit int,
) ([]AuditLogEntry, error) {
	var entries []AuditLogEntry
	if err := s.db.WithContext(ctx).
		Where("timestamp < ?", before.UTC()).
		Order("timestamp ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}

	return entries, nil
}

func (s *store) DeleteAuditEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&AuditLogEntry{}).Error; err != nil {
		return fmt.Errorf("deleting audit entries: %w", err)
	}

	return nil
}

// --- Seeding ---

// SeedAdmins makes sure every configured bootstrap user exists with the
// configured role. Users are matched by email when one is given, otherwise
// by display name.
func (s *store) SeedAdmins(
	ctx context.Context, admins []config.AdminUser,
) error {
	for _, a := range admins {
		var (
			existing User
			result   *gorm.DB
		)

		if a.Email != "" {
			result = s.db.WithContext(ctx).
				Where("email = ?", a.Email).
				First(&existing)
		} else {
			result = s.db.WithContext(ctx).
				Where("display_name = ?", a.DisplayName).
				First(&existing)
		}

		if result.Error == nil {
			if existing.Role != a.Role {
				if err := s.UpdateUserRole(ctx, existing.ID, a.Role); err != nil {
					return fmt.Errorf("updating seeded user %q: %w", a.DisplayName, err)
				}
			}

			continue
		}

		if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return fmt.Errorf("looking up seeded user %q: %w", a.DisplayName, result.Error)
		}

		user := &User{
			DisplayName: a.DisplayName,
			Role:        a.Role,
		}

		if a.Email != "" {
			email := a.Email
			user.Email = &email
		}

		if err := s.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("seeding user %q: %w", a.DisplayName, err)
		}
	}

	if len(admins) > 0 {
		s.log.WithField("count", len(admins)).
			Info("Seeded users from config")
	}

	return nil
}
