package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFromExactDates(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	got, err := parseFrom("2024-02-29", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), got)

	got, err = parseFrom("2024-02-29T23:30:00-02:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 1, 30, 0, 0, time.UTC), got)
}

func TestParseFromNaturalLanguage(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	got, err := parseFrom("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC), got)
}

func TestParseFromRejectsNonsense(t *testing.T) {
	_, err := parseFrom("whenever", time.Now())
	assert.Error(t, err)
}
