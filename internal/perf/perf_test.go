package perf_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blitsync/blit/internal/perf"
)

func TestRecordAndRecent(t *testing.T) {
	dir := t.TempDir()
	h := perf.NewJSONLHistory(dir)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Record(perf.Entry{
			Mode:               perf.ModeCopy,
			FileCount:          i + 1,
			TotalBytes:         uint64(i+1) * 1024,
			TransferDurationMs: 1000,
		}))
	}

	entries, err := h.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, 1, entries[0].FileCount)
	require.Equal(t, 3, entries[2].FileCount)

	last2, err := h.Recent(2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	require.Equal(t, 2, last2[0].FileCount)
}

func TestRecordSkippedWhenSettingsOff(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, perf.StoreSettings(dir, false))

	h := perf.NewJSONLHistory(dir)
	require.NoError(t, h.Record(perf.Entry{Mode: perf.ModeCopy, FileCount: 1}))

	entries, err := h.Recent(0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRecentOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	h := perf.NewJSONLHistory(dir)
	entries, err := h.Recent(5)
	require.NoError(t, err)
	require.Nil(t, entries)
}

func TestEnforceCapTrimsOldest(t *testing.T) {
	dir := t.TempDir()
	h := &perf.JSONLHistory{Dir: dir, MaxBytes: 200}
	require.NoError(t, perf.StoreSettings(dir, true))

	for i := 0; i < 20; i++ {
		require.NoError(t, h.Record(perf.Entry{
			Mode:       perf.ModeMirror,
			FileCount:  i,
			TotalBytes: uint64(i),
		}))
	}

	entries, err := h.Recent(0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Less(t, len(entries), 20)
	// newest entry must have survived the trim
	require.Equal(t, 19, entries[len(entries)-1].FileCount)
}

func TestSettingsDefaultsToEnabled(t *testing.T) {
	dir := t.TempDir()
	s, err := perf.LoadSettings(dir)
	require.NoError(t, err)
	require.True(t, s.PerfHistoryEnabled)
}

func TestStoreAndLoadSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, perf.StoreSettings(dir, false))
	s, err := perf.LoadSettings(dir)
	require.NoError(t, err)
	require.False(t, s.PerfHistoryEnabled)
}

func TestClearHistory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, perf.StoreSettings(dir, true))
	h := perf.NewJSONLHistory(dir)
	require.NoError(t, h.Record(perf.Entry{Mode: perf.ModeCopy, FileCount: 1}))

	removed, err := h.Recent(0)
	require.NoError(t, err)
	require.Len(t, removed, 1)

	ok, err := perf.ClearHistory(dir)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = perf.ClearHistory(dir)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMovingAverageTunerEstimate(t *testing.T) {
	tuner := perf.MovingAverageTuner{History: []perf.Entry{
		{Mode: perf.ModeCopy, TotalBytes: 1_000_000_000, TransferDurationMs: 1000},
		{Mode: perf.ModeCopy, TotalBytes: 2_000_000_000, TransferDurationMs: 2000},
		{Mode: perf.ModeMirror, TotalBytes: 500_000_000, TransferDurationMs: 100},
	}}

	est := tuner.Estimate(perf.ModeCopy, 1_000_000_000)
	require.Equal(t, 2, est.SampleCount)
	require.Greater(t, est.ExpectedGbps, 0.0)
	require.Greater(t, est.ExpectedDuration, time.Duration(0))
}

func TestMovingAverageTunerEstimateNoSamples(t *testing.T) {
	tuner := perf.MovingAverageTuner{}
	est := tuner.Estimate(perf.ModeCopy, 1024)
	require.Equal(t, 0, est.SampleCount)
	require.Equal(t, time.Duration(0), est.ExpectedDuration)
}

func TestMovingAverageTunerSuggestWorkers(t *testing.T) {
	tuner := perf.MovingAverageTuner{}
	history := []perf.Entry{
		{Options: perf.OptionSnapshot{Workers: 4}},
		{Options: perf.OptionSnapshot{Workers: 0}},
		{Options: perf.OptionSnapshot{Workers: 8}},
	}
	require.Equal(t, 8, tuner.SuggestWorkers(history))
}

func TestMovingAverageTunerSuggestWorkersEmpty(t *testing.T) {
	tuner := perf.MovingAverageTuner{}
	require.Equal(t, 0, tuner.SuggestWorkers(nil))
}
