// Package storage persists the full policy map as a versioned JSON
// document with atomic-replace semantics, plus best-effort off-box mirrors.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mantle-labs/aegis/pkg/canonicalize"
	"github.com/mantle-labs/aegis/pkg/policy"
)

// FormatVersion is the document format written by this build. Loading
// refuses documents with a newer major version.
const FormatVersion = "1.0.0"

var (
	// ErrMalformedDocument is returned when the persisted document fails
	// schema validation or cannot be decoded at all.
	ErrMalformedDocument = errors.New("malformed policy document")
	// ErrIncompatibleVersion is returned when the persisted document was
	// written by a newer incompatible format.
	ErrIncompatibleVersion = errors.New("incompatible policy document version")
)

// ClaimEntry is one admin's serialized claim. The value encoding is policy
// kind specific; it is decoded through the definition's codec.
type ClaimEntry struct {
	Admin policy.EnforcingAdmin `json:"admin"`
	Value json.RawMessage       `json:"value"`
}

// LocalEntry holds all claims for one (user, policy key) pair.
type LocalEntry struct {
	UserID int          `json:"user_id"`
	Key    string       `json:"policy_key"`
	Claims []ClaimEntry `json:"claims"`
}

// GlobalEntry holds all claims for one device-global policy key.
type GlobalEntry struct {
	Key    string       `json:"policy_key"`
	Claims []ClaimEntry `json:"claims"`
}

// Document is the full serialized policy map.
type Document struct {
	Version     string        `json:"version"`
	ContentHash string        `json:"content_hash,omitempty"`
	Local       []LocalEntry  `json:"local_policies"`
	Global      []GlobalEntry `json:"global_policies"`
}

// ComputeHash returns the canonical SHA-256 hash of the document with the
// content hash field itself excluded.
func (d *Document) ComputeHash() (string, error) {
	stripped := *d
	stripped.ContentHash = ""
	hash, err := canonicalize.CanonicalHash(&stripped)
	if err != nil {
		return "", fmt.Errorf("document hash: %w", err)
	}
	return hash, nil
}

// documentSchema validates the document envelope. Entries themselves are
// decoded leniently so unknown policy kinds can be skipped rather than
// aborting the load.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "string"},
    "content_hash": {"type": "string"},
    "local_policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["user_id", "policy_key", "claims"],
        "properties": {
          "user_id": {"type": "integer"},
          "policy_key": {"type": "string"},
          "claims": {"$ref": "#/$defs/claims"}
        }
      }
    },
    "global_policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["policy_key", "claims"],
        "properties": {
          "policy_key": {"type": "string"},
          "claims": {"$ref": "#/$defs/claims"}
        }
      }
    }
  },
  "$defs": {
    "claims": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["admin", "value"],
        "properties": {
          "admin": {
            "type": "object",
            "required": ["package_name", "user_id"],
            "properties": {
              "package_name": {"type": "string"},
              "user_id": {"type": "integer"}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// ValidateDocument checks raw bytes against the document envelope schema.
func ValidateDocument(data []byte) error {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("policy_document.json", documentSchema)
	})
	if schemaErr != nil {
		return fmt.Errorf("compile document schema: %w", schemaErr)
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return nil
}

// CheckVersion verifies that a persisted document's format version can be
// read by this build.
func CheckVersion(version string) error {
	persisted, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: bad version %q: %v", ErrMalformedDocument, version, err)
	}
	current := semver.MustParse(FormatVersion)
	if persisted.Major() > current.Major() {
		return fmt.Errorf("%w: document is %s, this build reads %s", ErrIncompatibleVersion, version, FormatVersion)
	}
	return nil
}
