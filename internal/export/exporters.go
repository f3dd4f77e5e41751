package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"request-network/internal/models"
)

type userRecord struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	ProfileType string    `json:"profile_type"`
	IsActive    bool      `json:"is_active"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
}

type resultRecord struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	RequestTypeID      string         `json:"request_type_id"`
	RequestTypeVersion int            `json:"request_type_version"`
	Payload            datatypes.JSON `json:"payload"`
	Result             datatypes.JSON `json:"result"`
	Attempt            int            `json:"attempt"`
	ProcessingMS       int64          `json:"processing_ms"`
	CompletedAt        *time.Time     `json:"completed_at"`
}

// collect loads the records of one kind. Each exporter returns a slice of
// records ready for encoding.
func collect(ctx context.Context, db *gorm.DB, kind string, cfg *models.ExportConfig) ([]interface{}, error) {
	db = db.WithContext(ctx)
	var out []interface{}

	switch kind {
	case KindUsers:
		q := db.Model(&models.Principal{}).Order("created_at, id")
		if cfg.UsersActiveOnly {
			q = q.Where("is_active = ?", true)
		}
		var rows []models.Principal
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("load users: %w", err)
		}
		for _, p := range rows {
			out = append(out, userRecord{
				ID:          p.ID,
				Username:    p.Username,
				Email:       p.Email,
				ProfileType: p.ProfileType,
				IsActive:    p.IsActive,
				IsAdmin:     p.IsAdmin,
				CreatedAt:   p.CreatedAt,
			})
		}

	case KindProfileTypes:
		var rows []models.ProfileType
		if err := db.Order("name").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("load profile types: %w", err)
		}
		for _, pt := range rows {
			out = append(out, pt)
		}

	case KindRequestTypes:
		var rows []models.RequestType
		err := db.Preload("Parameters", func(tx *gorm.DB) *gorm.DB { return tx.Order("position") }).
			Order("name").Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("load request types: %w", err)
		}
		for _, rt := range rows {
			out = append(out, rt)
		}

	case KindResults:
		var rows []models.Request
		err := db.Where("status = ?", models.StatusCompleted).Order("completed_at, id").Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("load results: %w", err)
		}
		for _, r := range rows {
			out = append(out, resultRecord{
				ID:                 r.ID,
				UserID:             r.UserID,
				RequestTypeID:      r.RequestTypeID,
				RequestTypeVersion: r.RequestTypeVersion,
				Payload:            r.Payload,
				Result:             r.Result,
				Attempt:            r.Attempt,
				ProcessingMS:       r.ProcessingMS,
				CompletedAt:        r.CompletedAt,
			})
		}

	default:
		return nil, fmt.Errorf("unknown export kind %q", kind)
	}
	return out, nil
}

// encode renders records as a JSON array or as newline-delimited JSON.
func encode(format string, records []interface{}) ([]byte, error) {
	if format == FormatNDJSON {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	}

	if records == nil {
		records = []interface{}{}
	}
	return json.MarshalIndent(records, "", "  ")
}
