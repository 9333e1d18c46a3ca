package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testEventLimits() EventLimits {
	return EventLimits{
		MaxBytes:        1024,
		MaxStringLength: 50,
		MaxArrayLength:  5,
		MaxNestingDepth: 4,
	}
}

func TestEventValidateHappyPath(t *testing.T) {
	v := NewEventValidator(testEventLimits())

	raw := []byte(`{"type":"price.update","source":"oracle","data":{"symbol":"BTC","price":65000}}`)
	env, res := v.Validate(raw, "oracle")
	require.True(t, res.OK())
	require.Equal(t, "price.update", env.Type)
	require.Equal(t, "oracle", env.Source)

	// Missing timestamps are assigned at validation time.
	require.NotEmpty(t, env.Timestamp)
	_, err := time.Parse(time.RFC3339, env.Timestamp)
	require.NoError(t, err)
}

func TestEventValidateKeepsProvidedTimestamp(t *testing.T) {
	v := NewEventValidator(testEventLimits())

	raw := []byte(`{"type":"price.update","timestamp":"2026-08-24T10:00:00Z"}`)
	env, res := v.Validate(raw, "oracle")
	require.True(t, res.OK())
	require.Equal(t, "2026-08-24T10:00:00Z", env.Timestamp)
}

func TestEventValidateStructuralFailures(t *testing.T) {
	v := NewEventValidator(testEventLimits())

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "not json", raw: `not json at all`, want: "JSON object"},
		{name: "missing type", raw: `{"data":{}}`, want: "missing required field: type"},
		{name: "bad timestamp", raw: `{"type":"t","timestamp":"yesterday"}`, want: "not valid ISO 8601"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, res := v.Validate([]byte(tt.raw), "svc")
			require.Nil(t, env)
			require.False(t, res.OK())
			require.Contains(t, strings.Join(res.Violations, "; "), tt.want)
		})
	}
}

func TestEventValidateSizeBoundary(t *testing.T) {
	limits := testEventLimits()
	v := NewEventValidator(limits)

	prefix := `{"type":"t","data":"`
	suffix := `"}`
	pad := limits.MaxBytes - len(prefix) - len(suffix)
	// Padding would overrun the string cap; bump it for this test.
	limits.MaxStringLength = limits.MaxBytes
	v = NewEventValidator(limits)

	atCap := []byte(prefix + strings.Repeat("x", pad) + suffix)
	require.Len(t, atCap, limits.MaxBytes)
	_, res := v.Validate(atCap, "svc")
	require.True(t, res.OK(), "payload exactly at the cap is accepted: %v", res.Violations)

	overCap := []byte(prefix + strings.Repeat("x", pad+1) + suffix)
	_, res = v.Validate(overCap, "svc")
	require.False(t, res.OK())
	require.Contains(t, res.Violations[0], "exceeds max")
}

func TestEventValidateOversizeBeatsParseError(t *testing.T) {
	v := NewEventValidator(testEventLimits())

	// An over-cap body cut off mid-stream is not valid JSON anymore. The
	// producer still gets the size rule, and only the size rule.
	truncated := []byte(`{"type":"t","data":"` + strings.Repeat("x", 1100))
	env, res := v.Validate(truncated, "svc")
	require.Nil(t, env)
	require.Len(t, res.Violations, 1)
	require.Contains(t, res.Violations[0], "envelope size 1120 bytes exceeds max 1024")
}

func TestEventValidateStringCapCountsCodeUnits(t *testing.T) {
	v := NewEventValidator(testEventLimits())

	t.Run("two-byte runes count once", func(t *testing.T) {
		// 50 x 'é' is 100 UTF-8 bytes but 50 code units, right at the cap.
		raw := fmt.Sprintf(`{"type":"t","data":{"note":%q}}`, strings.Repeat("é", 50))
		_, res := v.Validate([]byte(raw), "svc")
		require.True(t, res.OK(), "violations: %v", res.Violations)

		raw = fmt.Sprintf(`{"type":"t","data":{"note":%q}}`, strings.Repeat("é", 51))
		_, res = v.Validate([]byte(raw), "svc")
		require.False(t, res.OK())
		require.Contains(t, res.Violations[0], "string field length 51 exceeds max 50")
	})

	t.Run("astral runes count as surrogate pairs", func(t *testing.T) {
		raw := fmt.Sprintf(`{"type":"t","data":{"note":%q}}`, strings.Repeat("😀", 25))
		_, res := v.Validate([]byte(raw), "svc")
		require.True(t, res.OK(), "violations: %v", res.Violations)

		raw = fmt.Sprintf(`{"type":"t","data":{"note":%q}}`, strings.Repeat("😀", 26))
		_, res = v.Validate([]byte(raw), "svc")
		require.False(t, res.OK())
		require.Contains(t, res.Violations[0], "string field length 52 exceeds max 50")
	})

	t.Run("object keys measured the same way", func(t *testing.T) {
		raw := fmt.Sprintf(`{"type":"t","data":{%q:1}}`, strings.Repeat("é", 51))
		_, res := v.Validate([]byte(raw), "svc")
		require.False(t, res.OK())
		require.Contains(t, res.Violations[0], "object key length 51 exceeds max 50")
	})
}

func TestEventValidateFieldCaps(t *testing.T) {
	v := NewEventValidator(testEventLimits())

	t.Run("long string", func(t *testing.T) {
		raw := fmt.Sprintf(`{"type":"t","data":{"note":%q}}`, strings.Repeat("a", 51))
		_, res := v.Validate([]byte(raw), "svc")
		require.False(t, res.OK())
		require.Contains(t, res.Violations[0], "string field length 51 exceeds max 50")
	})

	t.Run("long array", func(t *testing.T) {
		raw := `{"type":"t","data":{"xs":[1,2,3,4,5,6]}}`
		_, res := v.Validate([]byte(raw), "svc")
		require.False(t, res.OK())
		require.Contains(t, res.Violations[0], "array length 6 exceeds max 5")
	})

	t.Run("too deep", func(t *testing.T) {
		raw := `{"type":"t","data":{"a":{"b":{"c":{"d":1}}}}}`
		_, res := v.Validate([]byte(raw), "svc")
		require.False(t, res.OK())
		require.Contains(t, res.Violations[0], "nesting depth exceeds max 4")
	})

	t.Run("at depth limit", func(t *testing.T) {
		raw := `{"type":"t","data":{"a":{"b":1}}}`
		_, res := v.Validate([]byte(raw), "svc")
		require.True(t, res.OK(), "violations: %v", res.Violations)
	})
}

func TestEventValidateCollectsAllViolations(t *testing.T) {
	v := NewEventValidator(testEventLimits())

	raw := fmt.Sprintf(`{"timestamp":"bogus","data":{"note":%q}}`, strings.Repeat("a", 60))
	_, res := v.Validate([]byte(raw), "svc")
	require.False(t, res.OK())
	require.GreaterOrEqual(t, len(res.Violations), 3, "missing type + long string + bad timestamp: %v", res.Violations)
}

func TestEventValidateTypeWhitelist(t *testing.T) {
	limits := testEventLimits()
	limits.AllowedTypes = []string{"price.update", "job.progress"}
	v := NewEventValidator(limits)

	_, res := v.Validate([]byte(`{"type":"price.update"}`), "svc")
	require.True(t, res.OK())

	_, res = v.Validate([]byte(`{"type":"admin.drop"}`), "svc")
	require.False(t, res.OK())
	require.Contains(t, res.Violations[0], "not in the allowed list")

	// No whitelist configured: any well-formed type passes.
	open := NewEventValidator(testEventLimits())
	_, res = open.Validate([]byte(`{"type":"admin.drop"}`), "svc")
	require.True(t, res.OK())
}

func TestEventValidateSourceMismatch(t *testing.T) {
	v := NewEventValidator(testEventLimits())

	_, res := v.Validate([]byte(`{"type":"t","source":"oracle"}`), "indexer")
	require.False(t, res.OK())
	require.Contains(t, res.Violations[0], "does not match publisher service")

	// Envelope without a source inherits no mismatch.
	_, res = v.Validate([]byte(`{"type":"t"}`), "indexer")
	require.True(t, res.OK())
}

func TestEventValidateDataStaysRaw(t *testing.T) {
	v := NewEventValidator(testEventLimits())

	raw := []byte(`{"type":"t","data":{"k":"v"}}`)
	env, res := v.Validate(raw, "svc")
	require.True(t, res.OK())
	require.JSONEq(t, `{"k":"v"}`, string(env.Data))
	require.IsType(t, json.RawMessage{}, env.Data)
}
