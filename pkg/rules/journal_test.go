package rules

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate-dev/toolgate/pkg/policy"
)

func journalRules() []policy.Rule {
	created := time.Date(2026, 8, 23, 9, 30, 0, 0, time.UTC)
	return []policy.Rule{
		{Kind: policy.Allow, Pattern: "shell:git status", Scope: "/repo", Exact: true, CreatedAt: created},
		{Kind: policy.Deny, Pattern: "fetch:https://tracker.example/*", CreatedAt: created.Add(time.Second)},
		{Kind: policy.Confirm, Pattern: "write_file:*", CreatedAt: created.Add(2 * time.Second)},
	}
}

func TestJournal_ReplayReproducesView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.journal")

	j, err := OpenJournal(path)
	require.NoError(t, err)

	live := NewLog()
	for _, r := range journalRules() {
		e, err := live.Append(OriginConfirmation, r)
		require.NoError(t, err)
		require.NoError(t, j.Record(e))
	}
	require.NoError(t, j.Close())

	resumed := NewLog()
	n, err := ReplayJournal(path, resumed)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, live.View(), resumed.View())
	for _, e := range resumed.Entries() {
		assert.Equal(t, OriginConfirmation, e.Origin)
	}
}

func TestJournal_ToleratesTornTrailingFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.journal")

	j, err := OpenJournal(path)
	require.NoError(t, err)

	log := NewLog()
	rs := journalRules()

	e, err := log.Append(OriginConfirmation, rs[0])
	require.NoError(t, err)
	require.NoError(t, j.Record(e))

	info, err := os.Stat(path)
	require.NoError(t, err)
	intact := info.Size()

	e, err = log.Append(OriginConfirmation, rs[1])
	require.NoError(t, err)
	require.NoError(t, j.Record(e))
	require.NoError(t, j.Close())

	// Cut into the second record's payload.
	require.NoError(t, os.Truncate(path, intact+3))

	resumed := NewLog()
	n, err := ReplayJournal(path, resumed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view := resumed.View()
	require.Len(t, view, 1)
	assert.Equal(t, "shell:git status", view[0].Pattern)
}

func TestJournal_SkipsUnknownRecordType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.journal")

	j, err := OpenJournal(path)
	require.NoError(t, err)

	log := NewLog()
	e, err := log.Append(OriginConfirmation, journalRules()[0])
	require.NoError(t, err)
	require.NoError(t, j.Record(e))
	require.NoError(t, j.Close())

	// Append a complete frame of an unrecognized type by hand.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	frame := make([]byte, 5, 9)
	frame[0] = 0x7f
	binary.BigEndian.PutUint32(frame[1:5], 4)
	frame = append(frame, []byte("skip")...)
	_, err = f.Write(frame)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	resumed := NewLog()
	n, err := ReplayJournal(path, resumed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournal_RejectsOversizedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.journal")

	var header [5]byte
	header[0] = recordRule
	binary.BigEndian.PutUint32(header[1:5], maxJournalPayload+1)
	require.NoError(t, os.WriteFile(path, header[:], 0600))

	_, err := ReplayJournal(path, NewLog())
	require.ErrorIs(t, err, ErrReplayJournal)
}

func TestReplayJournal_MissingFile(t *testing.T) {
	n, err := ReplayJournal(filepath.Join(t.TempDir(), "absent.journal"), NewLog())
	require.NoError(t, err)
	assert.Zero(t, n)
}
