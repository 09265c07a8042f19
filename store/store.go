// Package store provides persistence for generated blueprints.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/josephsenior/Metasop-sub003/agent"
)

// Common store errors.
var (
	// ErrNotFound is returned when a blueprint is not found.
	ErrNotFound = errors.New("blueprint not found")
)

// Blueprint is a persisted multi-document blueprint: the final artifacts of
// one orchestration run plus the step outcomes that produced them.
type Blueprint struct {
	ID        string                     `json:"id"`
	UserID    string                     `json:"user_id"`
	Request   string                     `json:"request"`
	Success   bool                       `json:"success"`
	Steps     []agent.Step               `json:"steps,omitempty"`
	Artifacts map[string]*agent.Artifact `json:"artifacts"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// BlueprintStore persists blueprints keyed by (blueprintID, userID). A user
// can only read and delete their own blueprints.
type BlueprintStore interface {
	// Save creates or replaces a blueprint. It stamps UpdatedAt, and
	// CreatedAt on first save.
	Save(ctx context.Context, bp *Blueprint) error

	// Get retrieves one blueprint. Returns ErrNotFound when the blueprint
	// does not exist or belongs to another user.
	Get(ctx context.Context, blueprintID, userID string) (*Blueprint, error)

	// List returns all blueprints owned by the user, newest first.
	List(ctx context.Context, userID string) ([]*Blueprint, error)

	// Delete removes one blueprint. Returns ErrNotFound when the blueprint
	// does not exist or belongs to another user.
	Delete(ctx context.Context, blueprintID, userID string) error
}
