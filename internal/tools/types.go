// Package tools defines the declared tool surface exposed to the reasoning
// oracle and to human operators. Each tool is a schema-bounded capability
// mapped to a call against the external offensive framework; the schema set is
// the only surface the oracle is allowed to see. There is deliberately no
// generic run-arbitrary-command capability anywhere in the catalog.
package tools

import (
	"errors"

	"redcortex/internal/platform"
)

// Sentinel errors for registry and validation failures.
var (
	ErrToolNameEmpty         = errors.New("tool name is empty")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrToolNotFound          = errors.New("tool not found")
	ErrMissingRequiredArg    = errors.New("missing required argument")
	ErrUnknownArg            = errors.New("argument not in tool schema")
	ErrContentBlocked        = errors.New("content blocked by filter")
)

// Property describes one input parameter for a tool's JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Schema defines the expected inputs of a tool.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// Spec is a declared tool: the fixed contract
// {name, ioSchema, permissionTier, sideEffecting, rollbackSupported}.
type Spec struct {
	// Name is the unique tool identifier.
	Name string `json:"name"`

	// Description explains what the tool does, for the oracle and operators.
	Description string `json:"description"`

	// Schema defines the expected inputs.
	Schema Schema `json:"schema"`

	// Tier is the permission tier a caller's role must hold.
	Tier platform.Tier `json:"tier"`

	// SideEffecting tools execute asynchronously with a deadline; read-only
	// tools may run synchronously.
	SideEffecting bool `json:"side_effecting"`

	// RollbackSupported declares the rollback contract. When true,
	// RollbackTool names the compensating tool.
	RollbackSupported bool   `json:"rollback_supported"`
	RollbackTool      string `json:"rollback_tool,omitempty"`

	// TargetParam names the schema property holding the target host, used for
	// scope validation. Empty for tools with no target (pure listings).
	TargetParam string `json:"target_param,omitempty"`
}

// Validate checks the spec for internal consistency.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return ErrToolNameEmpty
	}
	if s.RollbackSupported && s.RollbackTool == "" {
		return errors.New("rollback declared without a rollback tool")
	}
	return nil
}
