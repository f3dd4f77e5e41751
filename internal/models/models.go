package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Principals
type Principal struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Username       string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	Email          string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	HashedPassword string    `gorm:"type:varchar(255);not null" json:"-"`
	ProfileType    string    `gorm:"type:varchar(50);index;not null" json:"profile_type"`
	IsActive       bool      `gorm:"not null" json:"is_active"`
	IsAdmin        bool      `gorm:"not null" json:"is_admin"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Principal) TableName() string {
	return "principals"
}

func (p *Principal) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Profile types; Name is the join key used by grants.
type ProfileType struct {
	Name                string    `gorm:"type:varchar(50);primaryKey" json:"name"`
	Description         string    `gorm:"type:text" json:"description"`
	DailyRequestLimit   *int      `json:"daily_request_limit"`
	MonthlyRequestLimit *int      `json:"monthly_request_limit"`
	IsActive            bool      `gorm:"not null" json:"is_active"`
	IsBuiltin           bool      `gorm:"not null" json:"is_builtin"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (ProfileType) TableName() string {
	return "profile_types"
}

// BuiltinProfileTypes are seeded on startup and can be edited but not
// renamed or deleted.
var BuiltinProfileTypes = []string{"admin", "user", "basic", "premium", "enterprise"}

// Request types
type RequestType struct {
	ID                 string                 `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name               string                 `gorm:"type:varchar(100);uniqueIndex;not null" json:"name"`
	Description        string                 `gorm:"type:text" json:"description"`
	IsActive           bool                   `gorm:"not null" json:"is_active"`
	IsPublic           bool                   `gorm:"not null" json:"is_public"`
	Version            int                    `gorm:"not null;default:1" json:"version"`
	MaxItemsPerRequest int                    `gorm:"not null;default:100" json:"max_items_per_request"`
	Index              string                 `gorm:"type:varchar(255)" json:"index"`
	QueryTemplate      datatypes.JSON         `json:"query_template"`
	Parameters         []RequestTypeParameter `gorm:"constraint:OnDelete:CASCADE" json:"parameters"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

func (RequestType) TableName() string {
	return "request_types"
}

func (r *RequestType) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Parameter value types accepted in a request type schema.
const (
	ParamString  = "string"
	ParamNumber  = "number"
	ParamInteger = "integer"
	ParamBoolean = "boolean"
	ParamArray   = "array"
	ParamObject  = "object"
	ParamDate    = "date"
)

type RequestTypeParameter struct {
	ID            uint           `gorm:"primaryKey;autoIncrement" json:"-"`
	RequestTypeID string         `gorm:"type:varchar(36);uniqueIndex:idx_type_param;not null" json:"-"`
	Position      int            `gorm:"not null" json:"position"`
	Name          string         `gorm:"type:varchar(100);uniqueIndex:idx_type_param;not null" json:"name"`
	Type          string         `gorm:"type:varchar(20);not null" json:"type"`
	Required      bool           `gorm:"not null" json:"required"`
	Description   string         `gorm:"type:text" json:"description,omitempty"`
	Validation    datatypes.JSON `json:"validation,omitempty"`
}

func (RequestTypeParameter) TableName() string {
	return "request_type_parameters"
}

// Profile-type grants
type ProfileTypeAccess struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ProfileType         string    `gorm:"type:varchar(50);uniqueIndex:idx_profile_request_type;not null" json:"profile_type"`
	RequestTypeID       string    `gorm:"type:varchar(36);uniqueIndex:idx_profile_request_type;not null" json:"request_type_id"`
	MaxRequestsPerDay   *int      `json:"max_requests_per_day"`
	MaxRequestsPerMonth *int      `json:"max_requests_per_month"`
	IsActive            bool      `gorm:"not null" json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (ProfileTypeAccess) TableName() string {
	return "profile_type_accesses"
}

// Per-user overrides
type UserRequestAccess struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             string    `gorm:"type:varchar(36);uniqueIndex:idx_user_request_type;not null" json:"user_id"`
	RequestTypeID      string    `gorm:"type:varchar(36);uniqueIndex:idx_user_request_type;not null" json:"request_type_id"`
	MaxRequestsPerHour *int      `json:"max_requests_per_hour"`
	IsActive           bool      `gorm:"not null" json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (UserRequestAccess) TableName() string {
	return "user_request_accesses"
}

// Request statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Request struct {
	ID                 string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID             string         `gorm:"type:varchar(36);index:idx_user_status;not null" json:"user_id"`
	RequestTypeID      string         `gorm:"type:varchar(36);index;not null" json:"request_type_id"`
	RequestTypeVersion int            `gorm:"not null" json:"request_type_version"`
	Status             string         `gorm:"type:varchar(20);index:idx_user_status;index:idx_status_started;not null" json:"status"`
	Payload            datatypes.JSON `json:"payload"`
	Result             datatypes.JSON `json:"result,omitempty"`
	ErrorCode          string         `gorm:"type:varchar(50)" json:"error_code,omitempty"`
	Error              string         `gorm:"type:text" json:"error,omitempty"`
	Attempt            int            `gorm:"not null;default:1" json:"attempt"`
	TaskID             string         `gorm:"type:varchar(100)" json:"task_id,omitempty"`
	StartedAt          *time.Time     `gorm:"index:idx_status_started" json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ProcessingMS       int64          `json:"processing_ms,omitempty"`
	CreatedAt          time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (Request) TableName() string {
	return "requests"
}

func (r *Request) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Export configuration, singleton row with ID 1.
type ExportConfig struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	Enabled         bool      `gorm:"not null" json:"enabled"`
	Format          string    `gorm:"type:varchar(20);not null;default:'json'" json:"format"`
	DestinationType string    `gorm:"type:varchar(20);not null;default:'local'" json:"destination_type"`
	LocalPath       string    `gorm:"type:varchar(500)" json:"local_path,omitempty"`
	FTPHost         string    `gorm:"type:varchar(255)" json:"ftp_host,omitempty"`
	FTPPort         int       `json:"ftp_port,omitempty"`
	FTPUsername     string    `gorm:"type:varchar(255)" json:"ftp_username,omitempty"`
	FTPPassword     string    `gorm:"type:varchar(255)" json:"-"`
	FTPPath         string    `gorm:"type:varchar(500)" json:"ftp_path,omitempty"`
	FTPUseTLS       bool      `json:"ftp_use_tls"`
	Schedule        string    `gorm:"type:varchar(100)" json:"schedule,omitempty"`
	Kinds           string    `gorm:"type:varchar(255)" json:"kinds"`
	UsersActiveOnly bool      `gorm:"not null" json:"users_active_only"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (ExportConfig) TableName() string {
	return "export_configs"
}

// Per-kind export status. Running is the mutual-exclusion flag.
type ExportStatus struct {
	Kind       string     `gorm:"type:varchar(50);primaryKey" json:"kind"`
	TotalCount int        `gorm:"not null;default:0" json:"total_count"`
	ExportedAt *time.Time `json:"exported_at"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	Location   string     `gorm:"type:varchar(500)" json:"location,omitempty"`
	Running    bool       `gorm:"not null" json:"running"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (ExportStatus) TableName() string {
	return "export_statuses"
}

// JWT blacklist
type RevokedToken struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	TokenID   string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
}

func (RevokedToken) TableName() string {
	return "revoked_tokens"
}

// All returns every persisted model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Principal{},
		&ProfileType{},
		&RequestType{},
		&RequestTypeParameter{},
		&ProfileTypeAccess{},
		&UserRequestAccess{},
		&Request{},
		&ExportConfig{},
		&ExportStatus{},
		&RevokedToken{},
	}
}
