package util

import (
	"testing"
	"time"
)

func TestParseISODuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"PT15M", 15 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"P1DT2H", 26 * time.Hour},
		{"PT0.5S", 500 * time.Millisecond},
		{"pt5m", 5 * time.Minute},
	}
	for _, c := range cases {
		got, err := ParseISODuration(c.in)
		if err != nil {
			t.Errorf("ParseISODuration(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseISODuration(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParseISODurationRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "P", "PT", "5 minutes", "P1W"} {
		if _, err := ParseISODuration(in); err == nil {
			t.Errorf("ParseISODuration(%q) should fail", in)
		}
	}
}

func TestFormatISODuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{15 * time.Minute, "PT15M"},
		{26 * time.Hour, "P1DT2H"},
		{0, "PT0S"},
		{-time.Minute, "PT0S"},
	}
	for _, c := range cases {
		if got := FormatISODuration(c.in); got != c.want {
			t.Errorf("FormatISODuration(%s) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("FIBI_TEST_BOOL", "")
	if !ParseBoolEnv("FIBI_TEST_BOOL", true) {
		t.Error("empty value should fall back to the default")
	}
	t.Setenv("FIBI_TEST_BOOL", "off")
	if ParseBoolEnv("FIBI_TEST_BOOL", true) {
		t.Error("off should parse as false")
	}
	t.Setenv("FIBI_TEST_BOOL", "YES")
	if !ParseBoolEnv("FIBI_TEST_BOOL", false) {
		t.Error("YES should parse as true")
	}
	t.Setenv("FIBI_TEST_BOOL", "maybe")
	if !ParseBoolEnv("FIBI_TEST_BOOL", true) {
		t.Error("unparseable value should fall back to the default")
	}
}
