package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncidentCreatedAtOmittedWhenZero(t *testing.T) {
	b, err := json.Marshal(Incident{ID: "i1", Description: "detour"})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "createdAt")

	at := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	b, err = json.Marshal(Incident{ID: "i1", Description: "detour", CreatedAt: at})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"createdAt":"2024-03-01T08:30:00Z"`)
}
