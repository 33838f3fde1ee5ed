package db

import (
	"testing"

	"github.com/google/uuid"
)

func newTestUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewRandom()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	return id
}

func strPtr(s string) *string { return &s }
