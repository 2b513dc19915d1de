package store

import (
	"time"
)

// Role constants.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"
)

// Session type constants.
const (
	SessionTypeChannel = "channel"
	SessionTypeWeb     = "web"
)

// Paired instance status constants.
const (
	InstancePending = "pending"
	InstanceActive  = "active"
	InstanceRevoked = "revoked"
)

// Permission subject type constants.
const (
	SubjectTypeUser  = "user"
	SubjectTypeGroup = "group"
	SubjectTypeRole  = "role"
)

// WildcardResourceID matches every resource id of a resource namespace.
const WildcardResourceID = "*"

// User is a CRM user.
type User struct {
	ID           string     `gorm:"primaryKey;size:64" json:"id"`
	DisplayName  string     `gorm:"not null" json:"displayName"`
	Email        *string    `gorm:"index" json:"email"`
	AvatarURL    *string    `json:"avatarUrl"`
	Role         string     `gorm:"not null;default:user" json:"role"`
	Locale       string     `gorm:"not null;default:de" json:"locale"`
	Theme        string     `gorm:"not null;default:system" json:"theme"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"-"`
	LastActiveAt *time.Time `json:"lastActiveAt"`
}

// ChannelIdentity maps an external channel account to a user.
// (channel, channel_user_id) is indexed but not unique.
type ChannelIdentity struct {
	ID                 string    `gorm:"primaryKey;size:64" json:"id"`
	UserID             string    `gorm:"not null;index;size:64" json:"userId"`
	Channel            string    `gorm:"not null;index:idx_channel_identities_lookup" json:"channel"`
	ChannelUserID      string    `gorm:"not null;index:idx_channel_identities_lookup" json:"channelUserId"`
	ChannelDisplayName *string   `json:"channelDisplayName"`
	Verified           bool      `gorm:"not null;default:false" json:"verified"`
	LinkedAt           time.Time `gorm:"not null" json:"linkedAt"`
}

// Credential is a registered WebAuthn passkey.
type Credential struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	UserID          string     `gorm:"not null;index;size:64" json:"userId"`
	CredentialID    string     `gorm:"not null;uniqueIndex" json:"credentialId"`
	PublicKey       []byte     `gorm:"not null" json:"-"`
	Counter         uint32     `gorm:"not null;default:0" json:"-"`
	Transports      string     `json:"-"`
	AAGUID          []byte     `json:"-"`
	AttestationType string     `json:"-"`
	BackupEligible  bool       `gorm:"not null;default:false" json:"-"`
	BackupState     bool       `gorm:"not null;default:false" json:"-"`
	DeviceName      *string    `json:"deviceName"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastUsedAt      *time.Time `json:"lastUsedAt"`
}

// Session is a bearer session issued after authentication.
type Session struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	UserID      string    `gorm:"not null;index;size:64" json:"userId"`
	SessionType string    `gorm:"not null" json:"sessionType"`
	Token       string    `gorm:"uniqueIndex;not null" json:"-"`
	UserAgent   *string   `json:"userAgent"`
	ExpiresAt   time.Time `gorm:"not null;index" json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PairedInstance is a dashboard instance allowed to connect. Only hashes of
// the instance key and the reconnect token are stored.
type PairedInstance struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	InstanceKeyHash string     `gorm:"not null;index" json:"-"`
	WSTokenHash     *string    `gorm:"index" json:"-"`
	Origin          *string    `json:"origin"`
	Label           *string    `json:"label"`
	Status          string     `gorm:"not null;default:pending" json:"status"`
	PairedAt        *time.Time `json:"pairedAt"`
	LastSeenAt      *time.Time `json:"lastSeenAt"`
}

// Permission is a single grant or denial. Multiple rows may match the same
// tuple; resolution order lives in the rbac package.
type Permission struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	SubjectType string `gorm:"not null;index:idx_permissions_subject" json:"subjectType"`
	SubjectID   string `gorm:"not null;index:idx_permissions_subject" json:"subjectId"`
	Resource    string `gorm:"not null" json:"resource"`
	ResourceID  string `gorm:"not null" json:"resourceId"`
	Action      string `gorm:"not null" json:"action"`
	Allowed     bool   `gorm:"not null" json:"allowed"`
}

// Group is a named set of users used as a permission subject.
type Group struct {
	ID          string  `gorm:"primaryKey;size:64" json:"id"`
	Name        string  `gorm:"not null" json:"name"`
	Description *string `json:"description"`
}

// GroupMember links a user to a group.
type GroupMember struct {
	ID      string `gorm:"primaryKey;size:64" json:"id"`
	GroupID string `gorm:"not null;index;size:64" json:"groupId"`
	UserID  string `gorm:"not null;index;size:64" json:"userId"`
}

// AuditLogEntry is an append-only audit record.
type AuditLogEntry struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	UserID     *string   `gorm:"index" json:"userId"`
	Action     string    `gorm:"not null" json:"action"`
	EntityType *string   `json:"entityType,omitempty"`
	EntityID   *string   `json:"entityId,omitempty"`
	Details    *string   `json:"details,omitempty"`
	Channel    *string   `json:"channel,omitempty"`
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`
}

// TableName keeps the audit table name stable.
func (AuditLogEntry) TableName() string {
	return "audit_log"
}
