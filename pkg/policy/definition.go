package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrNilArgument is returned when a required argument is missing.
	ErrNilArgument = errors.New("required argument is nil")
	// ErrScopeViolation is returned when an operation targets a scope the
	// policy kind does not permit.
	ErrScopeViolation = errors.New("operation not permitted by policy scope")
	// ErrDuplicateDefinition is returned when a key is registered twice.
	ErrDuplicateDefinition = errors.New("policy key already registered")
	// ErrUnknownPolicy is returned when no definition exists for a key.
	ErrUnknownPolicy = errors.New("unknown policy key")
)

// Scope describes where a policy kind may be set.
type Scope int

const (
	// ScopeLocal permits per-user claims.
	ScopeLocal Scope = 1 << iota
	// ScopeGlobal permits device-wide claims.
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeGlobal:
		return "global"
	case ScopeLocal | ScopeGlobal:
		return "local|global"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// EnforceFunc applies a resolved value to the live system for userID
// (UserAll means the whole device). A nil value means the policy was
// cleared and any prior enforcement must be unwound.
type EnforceFunc func(value Value, userID int) error

// DefinitionConfig carries the attributes of a policy kind.
type DefinitionConfig struct {
	// Key uniquely identifies the policy kind, e.g. "camera_disabled".
	Key string
	// Scope declares whether the kind is local-only, global-only, or both.
	Scope Scope
	// Resolver is the kind's conflict resolution rule.
	Resolver Resolver
	// Codec decodes persisted claim values back into the kind's value type.
	Codec Codec
	// Enforce applies a resolved value. Optional; nil means the kind has
	// no live side effect (useful in tests and for advisory policies).
	Enforce EnforceFunc
	// CallbackArgs are opaque extras attached to every notification sent
	// for this kind.
	CallbackArgs map[string]string
}

// Definition is an immutable descriptor of a policy kind.
type Definition struct {
	key          string
	scope        Scope
	resolver     Resolver
	codec        Codec
	enforce      EnforceFunc
	callbackArgs map[string]string
}

// NewDefinition validates cfg and builds a Definition.
func NewDefinition(cfg DefinitionConfig) (*Definition, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("%w: policy key", ErrNilArgument)
	}
	if cfg.Scope&(ScopeLocal|ScopeGlobal) == 0 {
		return nil, fmt.Errorf("definition %q: scope must include local or global", cfg.Key)
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: resolver for %q", ErrNilArgument, cfg.Key)
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("%w: codec for %q", ErrNilArgument, cfg.Key)
	}
	return &Definition{
		key:          cfg.Key,
		scope:        cfg.Scope,
		resolver:     cfg.Resolver,
		codec:        cfg.Codec,
		enforce:      cfg.Enforce,
		callbackArgs: cfg.CallbackArgs,
	}, nil
}

// MustDefinition is NewDefinition that panics on error, for package-level
// stock definitions.
func MustDefinition(cfg DefinitionConfig) *Definition {
	d, err := NewDefinition(cfg)
	if err != nil {
		panic(err)
	}
	return d
}

// Key returns the unique policy key.
func (d *Definition) Key() string { return d.key }

// LocalOnly reports whether the kind can only be set per user.
func (d *Definition) LocalOnly() bool { return d.scope == ScopeLocal }

// GlobalOnly reports whether the kind can only be set device-wide.
func (d *Definition) GlobalOnly() bool { return d.scope == ScopeGlobal }

// AppliesLocally reports whether per-user claims are permitted.
func (d *Definition) AppliesLocally() bool { return d.scope&ScopeLocal != 0 }

// AppliesGlobally reports whether device-wide claims are permitted.
func (d *Definition) AppliesGlobally() bool { return d.scope&ScopeGlobal != 0 }

// Resolver returns the kind's conflict resolution rule.
func (d *Definition) Resolver() Resolver { return d.resolver }

// Decode decodes a persisted claim value.
func (d *Definition) Decode(raw []byte) (Value, error) {
	return d.codec(raw)
}

// Enforce applies value for userID via the kind's callback. A nil callback
// is a no-op.
func (d *Definition) Enforce(value Value, userID int) error {
	if d.enforce == nil {
		return nil
	}
	return d.enforce(value, userID)
}

// CallbackArgs returns the opaque notification extras, or nil.
func (d *Definition) CallbackArgs() map[string]string { return d.callbackArgs }
