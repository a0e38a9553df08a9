package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFallbacks(t *testing.T) {
	t.Setenv("RELAY_TEST_INT", "-3")
	t.Setenv("RELAY_TEST_BOOL", "maybe")
	assert.Equal(t, "x", String("RELAY_TEST_UNSET", "x"))
	assert.Equal(t, 7, Int("RELAY_TEST_INT", 7))
	assert.True(t, Bool("RELAY_TEST_BOOL", true))
}

func TestCSVTrimsAndDedupes(t *testing.T) {
	t.Setenv("RELAY_TEST_CSV", " a, b ,,a ")
	assert.Equal(t, []string{"a", "b"}, CSV("RELAY_TEST_CSV", nil))
	assert.Equal(t, []string{"z"}, CSV("RELAY_TEST_UNSET", []string{"z"}))
}

func TestDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"", time.Second},
		{"250", 250 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"0", time.Second},
		{"soon", time.Second},
	}
	for _, tc := range cases {
		t.Setenv("RELAY_TEST_DURATION", tc.raw)
		assert.Equal(t, tc.want, Duration("RELAY_TEST_DURATION", time.Second), tc.raw)
	}
}
