package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSBI_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("KST", 9*3600)
	ts := time.Date(2026, 10, 18, 8, 0, 1, 250_000_000, loc)
	require.Equal(t, "2026-10-17T23:00:01.250Z", formatRFC3339Millis(ts))
}

func TestSBI_Logger_DropsEmptyStrings(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithWriter(&buf, false, true)
	log.Info("cycle: done", "stage", "", "contributors", 3)
	out := buf.String()
	require.Contains(t, out, "cycle: done")
	require.Contains(t, out, "contributors=3")
	require.NotContains(t, out, "stage=")
}

func TestSBI_Logger_VerboseEnablesDebug(t *testing.T) {
	t.Parallel()
	var quiet, verbose bytes.Buffer
	NewWithWriter(&quiet, false, true).Debug("hidden")
	NewWithWriter(&verbose, true, true).Debug("shown")
	require.Empty(t, quiet.String())
	require.Contains(t, verbose.String(), "shown")
}

func TestSBI_Logger_GooseLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := &GooseLogger{Log: NewWithWriter(&buf, false, true)}
	l.Printf("OK   %s (%s)\n", "00001_init.sql", "12ms")
	l.Fatalf("bad migration %d", 2)
	out := buf.String()
	require.Contains(t, out, "OK   00001_init.sql (12ms)")
	require.Contains(t, out, "bad migration 2")
}
