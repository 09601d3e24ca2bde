// Package validate implements the syntactic and semantic guards that
// sit in front of every other component: manifest validation, stream
// URL allow-listing and episode id parsing. No function here performs
// I/O; they only ever inspect the bytes/strings handed to them.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/addonfed/core/model"
)

const (
	// MaxManifestBytes is the hard size cap on a manifest body.
	MaxManifestBytes = 100 * 1024
	maxFieldLen       = 500
	maxExtraOptions   = 100
	maxExtraOptionLen = 200
)

var (
	idPattern      = regexp.MustCompile(`^[A-Za-z0-9._-]{1,100}$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+(\.\d+)?(-[A-Za-z0-9.-]+)?$`)
)

var recognisedResources = map[string]bool{
	string(model.ResourceCatalog):      true,
	string(model.ResourceStream):       true,
	string(model.ResourceMeta):         true,
	string(model.ResourceSubtitles):    true,
	string(model.ResourceAddonCatalog): true,
}

// ManifestErrorKind enumerates the ways a manifest can fail
// validation.
type ManifestErrorKind string

const (
	ErrSizeExceeded         ManifestErrorKind = "size_exceeded"
	ErrInvalidJSON          ManifestErrorKind = "invalid_json"
	ErrMissingField         ManifestErrorKind = "missing_field"
	ErrInvalidID            ManifestErrorKind = "invalid_id"
	ErrInvalidVersion       ManifestErrorKind = "invalid_version"
	ErrInconsistentResources ManifestErrorKind = "inconsistent_resources"
	ErrFieldTooLong         ManifestErrorKind = "field_too_long"
)

// ManifestError is a structured validation failure. It never wraps an
// I/O error: validation is pure.
type ManifestError struct {
	Kind  ManifestErrorKind
	Field string
	Msg   string
}

func (e *ManifestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest: %s (%s): %s", e.Kind, e.Field, e.Msg)
	}
	return fmt.Sprintf("manifest: %s: %s", e.Kind, e.Msg)
}

func fieldErr(field, msg string) *ManifestError {
	return &ManifestError{Kind: ErrMissingField, Field: field, Msg: msg}
}

// rawManifest mirrors the wire shape loosely so that malformed or
// partial documents still parse far enough to be rejected with a
// precise error instead of a generic decode failure.
type rawManifest struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	Version       string                     `json:"version"`
	Description   string                     `json:"description"`
	Author        string                     `json:"author"`
	Resources     []string                   `json:"resources"`
	Types         []string                   `json:"types"`
	Catalogs      []model.CatalogDescriptor  `json:"catalogs"`
	IDPrefixes    []string                   `json:"idPrefixes"`
	Background    string                     `json:"background"`
	Logo          string                     `json:"logo"`
	ContactEmail  string                     `json:"contactEmail"`
	BehaviorHints *model.BehaviorHints       `json:"behaviorHints"`
}

// ValidateManifest parses and validates a manifest body per
// SPEC_FULL.md §4.1. It never panics and never mutates the input.
func ValidateManifest(body []byte) (model.Manifest, error) {
	if len(body) > MaxManifestBytes {
		return model.Manifest{}, &ManifestError{Kind: ErrSizeExceeded, Msg: fmt.Sprintf("%d bytes exceeds %d cap", len(body), MaxManifestBytes)}
	}

	var raw rawManifest
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.Manifest{}, &ManifestError{Kind: ErrInvalidJSON, Msg: err.Error()}
	}

	if raw.ID == "" {
		return model.Manifest{}, fieldErr("id", "required")
	}
	if raw.Name == "" {
		return model.Manifest{}, fieldErr("name", "required")
	}
	if raw.Version == "" {
		return model.Manifest{}, fieldErr("version", "required")
	}
	if raw.Description == "" {
		return model.Manifest{}, fieldErr("description", "required")
	}
	if raw.Types == nil {
		return model.Manifest{}, fieldErr("types", "required")
	}
	if raw.Resources == nil {
		return model.Manifest{}, fieldErr("resources", "required")
	}

	if !idPattern.MatchString(raw.ID) {
		return model.Manifest{}, &ManifestError{Kind: ErrInvalidID, Field: "id", Msg: raw.ID}
	}
	if !versionPattern.MatchString(raw.Version) {
		return model.Manifest{}, &ManifestError{Kind: ErrInvalidVersion, Field: "version", Msg: raw.Version}
	}

	for _, f := range []struct{ name, val string }{
		{"name", raw.Name}, {"description", raw.Description}, {"author", raw.Author},
		{"background", raw.Background}, {"logo", raw.Logo}, {"contactEmail", raw.ContactEmail},
	} {
		if len(f.val) > maxFieldLen {
			return model.Manifest{}, &ManifestError{Kind: ErrFieldTooLong, Field: f.name, Msg: fmt.Sprintf("%d chars", len(f.val))}
		}
	}

	hasCatalogResource := false
	for _, r := range raw.Resources {
		if r == "" {
			return model.Manifest{}, &ManifestError{Kind: ErrInconsistentResources, Field: "resources", Msg: "empty resource string"}
		}
		if r == string(model.ResourceCatalog) {
			hasCatalogResource = true
		}
		// Unknown-but-non-empty resource strings are accepted; the
		// engine simply never dispatches on them.
		_ = recognisedResources[r]
	}

	if hasCatalogResource {
		if len(raw.Catalogs) == 0 {
			return model.Manifest{}, &ManifestError{Kind: ErrInconsistentResources, Field: "catalogs", Msg: "catalog resource declared with no catalogs"}
		}
		if len(raw.Types) == 0 {
			return model.Manifest{}, &ManifestError{Kind: ErrInconsistentResources, Field: "types", Msg: "catalog resource declared with no types"}
		}
	}

	typeSet := make(map[string]bool, len(raw.Types))
	for _, t := range raw.Types {
		typeSet[t] = true
	}
	for i, c := range raw.Catalogs {
		if !typeSet[c.Type] {
			return model.Manifest{}, &ManifestError{Kind: ErrInconsistentResources, Field: fmt.Sprintf("catalogs[%d].type", i), Msg: fmt.Sprintf("type %q not declared in types", c.Type)}
		}
		if len(c.Extra) > maxExtraOptions {
			return model.Manifest{}, &ManifestError{Kind: ErrFieldTooLong, Field: fmt.Sprintf("catalogs[%d].extra", i), Msg: "too many extra entries"}
		}
		for _, e := range c.Extra {
			if len(e.Options) > maxExtraOptions {
				return model.Manifest{}, &ManifestError{Kind: ErrFieldTooLong, Field: fmt.Sprintf("catalogs[%d].extra.%s.options", i, e.Name), Msg: "too many options"}
			}
			for _, opt := range e.Options {
				if len(opt) > maxExtraOptionLen {
					return model.Manifest{}, &ManifestError{Kind: ErrFieldTooLong, Field: fmt.Sprintf("catalogs[%d].extra.%s.options", i, e.Name), Msg: "option too long"}
				}
			}
		}
	}

	return model.Manifest{
		ID:            raw.ID,
		Name:          raw.Name,
		Version:       raw.Version,
		Description:   raw.Description,
		Author:        raw.Author,
		Resources:     raw.Resources,
		Types:         raw.Types,
		Catalogs:      raw.Catalogs,
		IDPrefixes:    raw.IDPrefixes,
		Background:    raw.Background,
		Logo:          raw.Logo,
		ContactEmail:  raw.ContactEmail,
		BehaviorHints: raw.BehaviorHints,
	}, nil
}
