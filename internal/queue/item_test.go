package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestItemFileNameEncodesSequenceAndID(t *testing.T) {
	item := Item{Sequence: 7, Meta: Metadata{ID: "TICKET-1234"}}
	require.Equal(t, "0007_TICKET-1234.task", item.FileName())

	sequence, externalID, ok := parseFileName(item.FileName())
	require.True(t, ok)
	require.Equal(t, 7, sequence)
	require.Equal(t, "TICKET-1234", externalID)
}

func TestParseFileNameRejectsForeignFiles(t *testing.T) {
	for _, name := range []string{"notes.txt", "0001.task", "_abc.task", "0001_abc.tmp"} {
		_, _, ok := parseFileName(name)
		require.False(t, ok, "name %q", name)
	}
}

func TestSanitizeExternalID(t *testing.T) {
	require.Equal(t, "a_b_c.d-e_f", sanitizeExternalID("a b/c.d-e_f"))
	require.Equal(t, "_", sanitizeExternalID(""))
}

func TestItemEncodeParseRoundTrip(t *testing.T) {
	meta := Metadata{
		ID:        "TICKET-88",
		Owner:     "automation",
		CreatedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Priority:  2,
	}
	payload := "summary: upgrade runner image\nsteps:\n  - pull\n  - verify\n"

	data, err := encodeItem(meta, payload)
	require.NoError(t, err)

	gotMeta, gotPayload, err := parseItem(data)
	require.NoError(t, err)
	require.Equal(t, meta.ID, gotMeta.ID)
	require.Equal(t, meta.Owner, gotMeta.Owner)
	require.Equal(t, meta.Priority, gotMeta.Priority)
	require.True(t, meta.CreatedAt.Equal(gotMeta.CreatedAt))
	require.Equal(t, payload, gotPayload)
}

func TestParseItemRejectsMissingMetadata(t *testing.T) {
	_, _, err := parseItem([]byte("no block here"))
	require.Error(t, err)

	_, _, err = parseItem([]byte("+++\nid = \"x\"\n"))
	require.Error(t, err, "unterminated block")

	_, _, err = parseItem([]byte("+++\nowner = \"x\"\n+++\n"))
	require.Error(t, err, "missing id")
}

func TestParseItemEmptyPayload(t *testing.T) {
	data, err := encodeItem(Metadata{ID: "t1", CreatedAt: time.Now()}, "")
	require.NoError(t, err)
	meta, payload, err := parseItem(data)
	require.NoError(t, err)
	require.Equal(t, "t1", meta.ID)
	require.Empty(t, payload)
}
