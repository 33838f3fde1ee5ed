package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValidAndInBounds(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	assert.Equal(t, p, p.Clamp())
}

func TestClampPullsParametersIntoBounds(t *testing.T) {
	p := Params{
		MinConfidenceBuy:    0.2,
		MaxPositionNotional: 100_000,
		RiskMultiplier:      0.1,
	}.Clamp()

	assert.InDelta(t, MinConfidenceFloor, p.MinConfidenceBuy, 1e-9)
	assert.InDelta(t, NotionalCap, p.MaxPositionNotional, 1e-9)
	assert.InDelta(t, RiskMultiplierFloor, p.RiskMultiplier, 1e-9)
}

func TestExportImportRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	doc := Export(Default(), "paper-default", now)

	assert.Equal(t, SchemaVersion, doc.Metadata.SchemaVersion)
	assert.NotEmpty(t, doc.Metadata.ID)
	assert.Equal(t, now, doc.Metadata.ExportedAt)

	raw, err := doc.EncodeYAML()
	require.NoError(t, err)

	got, err := Import(raw)
	require.NoError(t, err)
	assert.Equal(t, Default(), got)
}

func TestImportAcceptsShortVersion(t *testing.T) {
	raw := []byte(`
metadata:
  schema_version: "1.0"
  name: legacy
params:
  min_confidence_buy: 0.75
  max_position_notional: 2500
  risk_multiplier: 1.1
`)
	got, err := Import(raw)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.MinConfidenceBuy, 1e-9)
}

func TestImportRejectsNewerSchema(t *testing.T) {
	raw := []byte(`
metadata:
  schema_version: "2.1.0"
  name: future
params:
  min_confidence_buy: 0.7
  max_position_notional: 1000
  risk_multiplier: 1
`)
	_, err := Import(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestImportRejectsMissingVersion(t *testing.T) {
	_, err := Import([]byte("params:\n  min_confidence_buy: 0.7\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema version")
}

func TestImportClampsOutOfBoundsParams(t *testing.T) {
	raw := []byte(`
metadata:
  schema_version: "1.0.0"
  name: wild
params:
  min_confidence_buy: 0.99
  max_position_notional: 50
  risk_multiplier: 9
`)
	got, err := Import(raw)
	require.NoError(t, err)
	assert.InDelta(t, MinConfidenceCap, got.MinConfidenceBuy, 1e-9)
	assert.InDelta(t, NotionalFloor, got.MaxPositionNotional, 1e-9)
	assert.InDelta(t, RiskMultiplierCap, got.RiskMultiplier, 1e-9)
}

func TestArchivePath(t *testing.T) {
	now := time.Date(2025, 6, 2, 14, 30, 5, 0, time.UTC)
	assert.Equal(t, "strategy/export-20250602T143005Z.yaml", ArchivePath(now))
}
