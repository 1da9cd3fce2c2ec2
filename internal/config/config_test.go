package config

import "testing"

func TestEnvStrFallsBackToDefault(t *testing.T) {
	t.Setenv("CONFIG_TEST_STR", "")
	if got := envStr("CONFIG_TEST_STR", "def"); got != "def" {
		t.Errorf("envStr = %q, want %q", got, "def")
	}
	t.Setenv("CONFIG_TEST_STR", "set")
	if got := envStr("CONFIG_TEST_STR", "def"); got != "set" {
		t.Errorf("envStr = %q, want %q", got, "set")
	}
}

func TestEnvIntParsesOrFallsBack(t *testing.T) {
	t.Setenv("CONFIG_TEST_INT", "42")
	if got := envInt("CONFIG_TEST_INT", 7); got != 42 {
		t.Errorf("envInt = %d, want 42", got)
	}
	t.Setenv("CONFIG_TEST_INT", "not-a-number")
	if got := envInt("CONFIG_TEST_INT", 7); got != 7 {
		t.Errorf("envInt with garbage = %d, want fallback 7", got)
	}
}

func TestEnvInt64ParsesOrFallsBack(t *testing.T) {
	t.Setenv("CONFIG_TEST_INT64", "123456789012")
	if got := envInt64("CONFIG_TEST_INT64", 1); got != 123456789012 {
		t.Errorf("envInt64 = %d, want 123456789012", got)
	}
	t.Setenv("CONFIG_TEST_INT64", "garbage")
	if got := envInt64("CONFIG_TEST_INT64", 1); got != 1 {
		t.Errorf("envInt64 with garbage = %d, want fallback 1", got)
	}
}

func TestEnvDurationParsesOrFallsBack(t *testing.T) {
	t.Setenv("CONFIG_TEST_DUR", "250ms")
	if got := envDuration("CONFIG_TEST_DUR", 0); got.Milliseconds() != 250 {
		t.Errorf("envDuration = %v, want 250ms", got)
	}
	t.Setenv("CONFIG_TEST_DUR", "garbage")
	if got := envDuration("CONFIG_TEST_DUR", 7); got != 7 {
		t.Errorf("envDuration with garbage = %v, want fallback 7ns", got)
	}
}
