package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"request-network/internal/apperrors"
	"request-network/internal/models"
	"request-network/internal/querytemplate"
)

// Registry stores request type definitions, profile types and the grants
// that join them.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

type ParameterInput struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Required    bool            `json:"required"`
	Description string          `json:"description"`
	Validation  json.RawMessage `json:"validation,omitempty"`
}

type RequestTypeInput struct {
	Name               string           `json:"name"`
	Description        string           `json:"description"`
	IsActive           *bool            `json:"is_active"`
	IsPublic           bool             `json:"is_public"`
	MaxItemsPerRequest int              `json:"max_items_per_request"`
	Index              string           `json:"index"`
	Parameters         []ParameterInput `json:"parameters"`
	QueryTemplate      json.RawMessage  `json:"query_template,omitempty"`
}

// RequestTypeUpdate changes descriptive fields. Nil fields are kept.
type RequestTypeUpdate struct {
	Name               *string `json:"name"`
	Description        *string `json:"description"`
	IsActive           *bool   `json:"is_active"`
	IsPublic           *bool   `json:"is_public"`
	MaxItemsPerRequest *int    `json:"max_items_per_request"`
	Index              *string `json:"index"`
}

type RequestTypeFilter struct {
	ActiveOnly bool
	PublicOnly bool
}

func (r *Registry) CreateRequestType(ctx context.Context, in RequestTypeInput) (*models.RequestType, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperrors.Validation("invalid_name", "request type name is required")
	}
	if in.MaxItemsPerRequest < 0 {
		return nil, apperrors.Validation("invalid_max_items", "max_items_per_request must not be negative")
	}
	params, err := buildParameters(in.Parameters)
	if err != nil {
		return nil, err
	}
	if len(in.QueryTemplate) > 0 {
		if err := querytemplate.Validate(in.QueryTemplate, params); err != nil {
			return nil, err
		}
	}

	rt := &models.RequestType{
		Name:               name,
		Description:        in.Description,
		IsActive:           in.IsActive == nil || *in.IsActive,
		IsPublic:           in.IsPublic,
		Version:            1,
		MaxItemsPerRequest: in.MaxItemsPerRequest,
		Index:              in.Index,
		QueryTemplate:      datatypes.JSON(in.QueryTemplate),
		Parameters:         params,
	}
	if rt.MaxItemsPerRequest == 0 {
		rt.MaxItemsPerRequest = 100
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureNameFree(tx, name, ""); err != nil {
			return err
		}
		return tx.Create(rt).Error
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func ensureNameFree(tx *gorm.DB, name, exceptID string) error {
	q := tx.Model(&models.RequestType{}).Where("name = ?", name)
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return fmt.Errorf("check request type name: %w", err)
	}
	if n > 0 {
		return apperrors.Conflict("name_taken", fmt.Sprintf("request type %q already exists", name))
	}
	return nil
}

// buildParameters validates an ordered parameter list and converts it to
// models in declaration order.
func buildParameters(in []ParameterInput) ([]models.RequestTypeParameter, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.RequestTypeParameter, 0, len(in))
	for i, p := range in {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, apperrors.Validation("invalid_parameter", fmt.Sprintf("parameter %d has no name", i))
		}
		if _, dup := seen[name]; dup {
			return nil, apperrors.Validation("duplicate_parameter", fmt.Sprintf("parameter %q is declared twice", name))
		}
		seen[name] = struct{}{}

		if !querytemplate.IsValidType(p.Type) {
			return nil, apperrors.Validation("invalid_parameter_type", fmt.Sprintf("parameter %q has unsupported type %q", name, p.Type))
		}
		if _, err := querytemplate.ParseRules(p.Validation); err != nil {
			return nil, err
		}

		out = append(out, models.RequestTypeParameter{
			Position:    i,
			Name:        name,
			Type:        p.Type,
			Required:    p.Required,
			Description: p.Description,
			Validation:  datatypes.JSON(p.Validation),
		})
	}
	return out, nil
}

func (r *Registry) GetRequestType(ctx context.Context, id string) (*models.RequestType, error) {
	return loadRequestType(r.db.WithContext(ctx), id)
}

func loadRequestType(db *gorm.DB, id string) (*models.RequestType, error) {
	var rt models.RequestType
	err := db.Preload("Parameters", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	}).First(&rt, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("request type")
	}
	if err != nil {
		return nil, fmt.Errorf("load request type: %w", err)
	}
	return &rt, nil
}

func (r *Registry) ListRequestTypes(ctx context.Context, f RequestTypeFilter) ([]models.RequestType, error) {
	q := r.db.WithContext(ctx).Preload("Parameters", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	})
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	if f.PublicOnly {
		q = q.Where("is_public = ?", true)
	}

	var out []models.RequestType
	if err := q.Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list request types: %w", err)
	}
	return out, nil
}

func (r *Registry) UpdateRequestType(ctx context.Context, id string, in RequestTypeUpdate) (*models.RequestType, error) {
	var out *models.RequestType
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rt, err := loadRequestType(tx, id)
		if err != nil {
			return err
		}

		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return apperrors.Validation("invalid_name", "request type name is required")
			}
			if err := ensureNameFree(tx, name, id); err != nil {
				return err
			}
			rt.Name = name
		}
		if in.Description != nil {
			rt.Description = *in.Description
		}
		if in.IsActive != nil {
			rt.IsActive = *in.IsActive
		}
		if in.IsPublic != nil {
			rt.IsPublic = *in.IsPublic
		}
		if in.MaxItemsPerRequest != nil {
			if *in.MaxItemsPerRequest <= 0 {
				return apperrors.Validation("invalid_max_items", "max_items_per_request must be positive")
			}
			rt.MaxItemsPerRequest = *in.MaxItemsPerRequest
		}
		if in.Index != nil {
			rt.Index = *in.Index
		}
		rt.Version++

		if err := tx.Omit("Parameters").Save(rt).Error; err != nil {
			return fmt.Errorf("update request type: %w", err)
		}
		out = rt
		return nil
	})
	return out, err
}

// SetActive toggles the activation flag. Deactivation blocks new requests
// only; requests already admitted run to completion.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) (*models.RequestType, error) {
	return r.UpdateRequestType(ctx, id, RequestTypeUpdate{IsActive: &active})
}

// DeleteRequestType removes a request type nobody has used yet. A type that
// requests already reference is deactivated instead and deactivated is
// true.
func (r *Registry) DeleteRequestType(ctx context.Context, id string) (deactivated bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rt, err := loadRequestType(tx, id)
		if err != nil {
			return err
		}

		var used int64
		if err := tx.Model(&models.Request{}).Where("request_type_id = ?", id).Count(&used).Error; err != nil {
			return fmt.Errorf("count requests: %w", err)
		}
		if used > 0 {
			deactivated = true
			return tx.Model(rt).Updates(map[string]interface{}{"is_active": false, "version": rt.Version + 1}).Error
		}

		for _, model := range []interface{}{&models.RequestTypeParameter{}, &models.ProfileTypeAccess{}, &models.UserRequestAccess{}} {
			if err := tx.Where("request_type_id = ?", id).Delete(model).Error; err != nil {
				return fmt.Errorf("delete dependents: %w", err)
			}
		}
		return tx.Delete(rt).Error
	})
	return deactivated, err
}

// ConfigureParameters replaces the parameter schema. The stored query
// template must still resolve against the new schema.
func (r *Registry) ConfigureParameters(ctx context.Context, id string, in []ParameterInput) (*models.RequestType, error) {
	params, err := buildParameters(in)
	if err != nil {
		return nil, err
	}

	var out *models.RequestType
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rt, err := loadRequestType(tx, id)
		if err != nil {
			return err
		}
		if len(rt.QueryTemplate) > 0 {
			if err := querytemplate.Validate(rt.QueryTemplate, params); err != nil {
				return err
			}
		}

		if err := tx.Where("request_type_id = ?", id).Delete(&models.RequestTypeParameter{}).Error; err != nil {
			return fmt.Errorf("delete parameters: %w", err)
		}
		for i := range params {
			params[i].RequestTypeID = id
		}
		if len(params) > 0 {
			if err := tx.Create(&params).Error; err != nil {
				return fmt.Errorf("create parameters: %w", err)
			}
		}
		if err := tx.Model(rt).Update("version", rt.Version+1).Error; err != nil {
			return fmt.Errorf("bump version: %w", err)
		}

		rt.Parameters = params
		rt.Version++
		out = rt
		return nil
	})
	return out, err
}

// ConfigureQuery stores a new query template after checking that every
// placeholder names a declared parameter.
func (r *Registry) ConfigureQuery(ctx context.Context, id string, template json.RawMessage) (*models.RequestType, error) {
	var out *models.RequestType
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rt, err := loadRequestType(tx, id)
		if err != nil {
			return err
		}
		if err := querytemplate.Validate(template, rt.Parameters); err != nil {
			return err
		}

		err = tx.Model(rt).Updates(map[string]interface{}{
			"query_template": datatypes.JSON(template),
			"version":        rt.Version + 1,
		}).Error
		if err != nil {
			return fmt.Errorf("save query template: %w", err)
		}

		rt.QueryTemplate = datatypes.JSON(template)
		rt.Version++
		out = rt
		return nil
	})
	return out, err
}
