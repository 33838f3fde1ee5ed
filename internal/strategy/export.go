package strategy

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Document is the export envelope: metadata plus the parameters.
type Document struct {
	Metadata Metadata `yaml:"metadata" json:"metadata"`
	Params   Params   `yaml:"params" json:"params"`
}

// Metadata identifies an exported strategy.
type Metadata struct {
	SchemaVersion string    `yaml:"schema_version" json:"schema_version"`
	ID            string    `yaml:"id,omitempty" json:"id,omitempty"`
	Name          string    `yaml:"name" json:"name"`
	ExportedAt    time.Time `yaml:"exported_at,omitempty" json:"exported_at,omitempty"`
	Source        string    `yaml:"source,omitempty" json:"source,omitempty"`
}

// Export wraps params in a fresh envelope.
func Export(p Params, name string, now time.Time) Document {
	return Document{
		Metadata: Metadata{
			SchemaVersion: SchemaVersion,
			ID:            uuid.New().String(),
			Name:          name,
			ExportedAt:    now.UTC(),
			Source:        "export",
		},
		Params: p,
	}
}

// EncodeYAML renders the document for download or archival.
func (d Document) EncodeYAML() ([]byte, error) {
	out, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode strategy document: %w", err)
	}
	return out, nil
}

// Import parses a YAML document, checks schema compatibility, and
// returns the clamped parameters.
func Import(data []byte) (Params, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Params{}, fmt.Errorf("decode strategy document: %w", err)
	}
	if err := CheckCompatibility(doc.Metadata.SchemaVersion); err != nil {
		return Params{}, err
	}
	p := doc.Params.Clamp()
	if err := p.Validate(); err != nil {
		return Params{}, fmt.Errorf("imported strategy invalid: %w", err)
	}
	return p, nil
}

// CheckCompatibility rejects documents written by a newer schema or a
// different major version.
func CheckCompatibility(version string) error {
	if version == "" {
		return fmt.Errorf("strategy document has no schema version")
	}
	current, err := parseVersion(version)
	if err != nil {
		return err
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}
	if current.GreaterThan(target) {
		return fmt.Errorf("strategy schema %s is newer than supported %s", version, SchemaVersion)
	}
	if current.Major() != target.Major() {
		return fmt.Errorf("no migration path from schema %s to %s", version, SchemaVersion)
	}
	return nil
}

// parseVersion accepts both "1.0.0" and the short "1.0" older exports
// carry.
func parseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err == nil {
		return v, nil
	}
	v, err = semver.NewVersion(s + ".0")
	if err != nil {
		return nil, fmt.Errorf("invalid schema version: %s", s)
	}
	return v, nil
}

// ArchivePath names the blob a strategy export is archived under.
func ArchivePath(now time.Time) string {
	return "strategy/export-" + now.UTC().Format("20060102T150405Z") + ".yaml"
}
