package queue

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ItemExt is the file extension of queue item files.
const ItemExt = ".task"

// metadataDelimiter fences the structured block at the top of an item file.
const metadataDelimiter = "+++"

// Metadata is the structured block embedded at the top of every item file.
// Identity is the external ID; the sequence number lives in the filename.
type Metadata struct {
	ID        string    `toml:"id"`
	Owner     string    `toml:"owner,omitempty"`
	CreatedAt time.Time `toml:"created_at"`
	Priority  int       `toml:"priority,omitempty"`
}

// Item is one unit of work. The same physical file exists in exactly one of
// the four lifecycle directories at any time.
type Item struct {
	// Sequence is the zero-padded monotonically increasing number assigned at
	// enqueue. It orders claims and keeps filenames unique even when an
	// external ID repeats across requeues.
	Sequence int
	Meta     Metadata
	// Payload is the free-form body after the metadata block. The queue never
	// interprets it.
	Payload string
	Status  Status
}

// FileName returns the item's on-disk name, NNNN_<externalId>.task.
func (i Item) FileName() string {
	return fmt.Sprintf("%0*d_%s%s", sequenceWidth, i.Sequence, sanitizeExternalID(i.Meta.ID), ItemExt)
}

const sequenceWidth = 4

var itemNamePattern = regexp.MustCompile(`^(\d+)_(.+)\.task$`)

// parseFileName splits NNNN_<externalId>.task into its parts.
func parseFileName(name string) (sequence int, externalID string, ok bool) {
	match := itemNamePattern.FindStringSubmatch(name)
	if match == nil {
		return 0, "", false
	}
	sequence, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, "", false
	}
	return sequence, match[2], true
}

// encodeItem renders the metadata block followed by the payload.
func encodeItem(meta Metadata, payload string) ([]byte, error) {
	block, err := toml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode item metadata: %w", err)
	}
	var b strings.Builder
	b.Grow(len(block) + len(payload) + 16)
	b.WriteString(metadataDelimiter)
	b.WriteByte('\n')
	b.Write(block)
	b.WriteString(metadataDelimiter)
	b.WriteByte('\n')
	b.WriteString(payload)
	return []byte(b.String()), nil
}

// parseItem splits an item file into its metadata block and payload.
func parseItem(data []byte) (Metadata, string, error) {
	text := string(data)
	rest, found := strings.CutPrefix(text, metadataDelimiter+"\n")
	if !found {
		return Metadata{}, "", fmt.Errorf("item file missing metadata block")
	}
	block, payload, found := strings.Cut(rest, "\n"+metadataDelimiter+"\n")
	if !found {
		// A file may end right at the closing delimiter with no payload.
		if trimmed, ok := strings.CutSuffix(rest, "\n"+metadataDelimiter); ok {
			block, payload = trimmed, ""
		} else {
			return Metadata{}, "", fmt.Errorf("item file metadata block not terminated")
		}
	}
	var meta Metadata
	if err := toml.Unmarshal([]byte(block+"\n"), &meta); err != nil {
		return Metadata{}, "", fmt.Errorf("decode item metadata: %w", err)
	}
	if strings.TrimSpace(meta.ID) == "" {
		return Metadata{}, "", fmt.Errorf("item metadata missing id")
	}
	return meta, payload, nil
}

// sanitizeExternalID keeps external identifiers filename-safe.
func sanitizeExternalID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
