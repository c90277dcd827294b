package jobs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
)

func TestFormatAndParseDuration(t *testing.T) {
	tests := []struct {
		seconds   int64
		formatted string
	}{
		{0, "0s"},
		{1, "1s"},
		{20, "20s"},
		{60, "1m"},
		{61, "1m1s"},
		{120, "2m"},
		{121, "2m1s"},
		{3600, "1h"},
		{3601, "1h1s"},
		{3660, "1h1m"},
		{3661, "1h1m1s"},
		{86400, "1d"},
		{86460, "1d1m"},
		{90000, "1d1h"},
		{90060, "1d1h1m"},
		{90120, "1d1h2m"},
		{172800, "2d"},
	}

	for _, tt := range tests {
		t.Run(tt.formatted, func(t *testing.T) {
			assert.Equal(t, tt.formatted, FormatDuration(tt.seconds))
			parsed, err := ParseDuration(tt.formatted)
			require.NoError(t, err)
			assert.Equal(t, tt.seconds, parsed)
		})
	}
}

func TestFormatDurationLossy(t *testing.T) {
	assert.Equal(t, "1d", FormatDuration(86401))
	assert.Equal(t, "1d1h1m", FormatDuration(90061))
	assert.Equal(t, "0s", FormatDuration(-5))
}

func TestDurationRoundTripWithinDay(t *testing.T) {
	for s := int64(0); s < 86400; s += 37 {
		parsed, err := ParseDuration(FormatDuration(s))
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
}

func TestParseDurationErrors(t *testing.T) {
	for _, in := range []string{"invalid", "1", "2d3", "1h2", "a", ""} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDuration(in)
			assert.Error(t, err)
		})
	}
}

func TestRequest(t *testing.T) {
	defaults := DefaultResources()

	tests := []struct {
		name     string
		limit    string
		def      resource.Quantity
		expected string
	}{
		{"below default cpu", "250m", defaults.CPU, "250m"},
		{"default cpu", "500m", defaults.CPU, "500m"},
		{"above default cpu", "2", defaults.CPU, "1"},
		{"below default memory", "256Mi", defaults.Memory, "256Mi"},
		{"above default memory", "2Gi", defaults.Memory, "1Gi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Request(resource.MustParse(tt.limit), tt.def)
			assert.Equal(t, 0, req.Cmp(resource.MustParse(tt.expected)), "got %s", req.String())
		})
	}
}

func TestParseResourceDefaults(t *testing.T) {
	d, err := ParseResourceDefaults("1", "1Gi")
	require.NoError(t, err)
	assert.Equal(t, "1", d.CPU.String())

	_, err = ParseResourceDefaults("x", "1Gi")
	assert.Error(t, err)
}

func TestFormatGi(t *testing.T) {
	assert.Equal(t, "0.500Gi", FormatGi(resource.MustParse("512Mi")))
	assert.Equal(t, "8.000Gi", FormatGi(resource.MustParse("8Gi")))
}

func TestQuotaFromData(t *testing.T) {
	quota := QuotaFromData([]QuotaData{
		{Category: QuotaRunningJobs, Name: "Pods", Limit: "10", Used: "1"},
		{Category: QuotaJobDefinitions, Name: "Cron jobs", Limit: "50", Used: "2"},
	})

	require.Len(t, quota.Categories, 3)
	assert.Equal(t, "Running jobs", quota.Categories[0].Name)
	assert.Len(t, quota.Categories[0].Items, 1)
	assert.Empty(t, quota.Categories[1].Items)
	assert.Equal(t, "Cron jobs", quota.Categories[2].Items[0].Name)
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		err    error
		kind   ErrorType
		status int
	}{
		{NewValidationError("bad", nil), ErrorTypeValidation, http.StatusBadRequest},
		{NewAuthError("nope"), ErrorTypeAuth, http.StatusForbidden},
		{NewNotFoundError("gone", nil), ErrorTypeNotFound, http.StatusNotFound},
		{NewConflictError("dup", nil), ErrorTypeConflict, http.StatusConflict},
		{NewQuotaError("full", nil), ErrorTypeQuota, http.StatusBadRequest},
		{NewParsingError("odd", nil, nil), ErrorTypeParsing, http.StatusInternalServerError},
		{NewKubernetesError("k8s", nil, nil), ErrorTypeKubernetes, http.StatusInternalServerError},
		{NewStorageError("db", nil, nil), ErrorTypeStorage, http.StatusInternalServerError},
		{NewInternalError("bug", nil), ErrorTypeInternal, http.StatusInternalServerError},
		{errors.New("plain"), ErrorTypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)
			assert.Equal(t, tt.kind, TypeOf(wrapped))
			assert.Equal(t, tt.status, HTTPStatusFor(wrapped))
		})
	}

	assert.True(t, IsNotFound(fmt.Errorf("x: %w", NewNotFoundError("gone", nil))))
	assert.True(t, IsConflict(NewConflictError("dup", nil)))
	assert.True(t, IsValidation(NewQuotaError("full", nil)))
	assert.False(t, IsValidation(NewStorageError("db", nil, nil)))
	assert.True(t, IsClientError(NewAuthError("nope")))
}

func TestSummarizeError(t *testing.T) {
	assert.Nil(t, SummarizeError(nil))

	summary := SummarizeError(NewValidationError("bad field", map[string]any{"field": "cpu"}))
	assert.Equal(t, "bad field", summary.Message)
	assert.Equal(t, "cpu", summary.Data["field"])

	summary = SummarizeError(errors.New("secret internals"))
	assert.NotContains(t, summary.Message, "secret")
	assert.Equal(t, ErrorTypeInternal, summary.Type)

	cause := errors.New("boom")
	err := NewKubernetesError("failed", cause, nil)
	assert.ErrorIs(t, err, cause)
	assert.NotNil(t, DataFor(err))
}
