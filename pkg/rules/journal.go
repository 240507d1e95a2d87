package rules

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/toolgate-dev/toolgate/internal/errx"
	"github.com/toolgate-dev/toolgate/pkg/policy"
)

// Journal frame: 1-byte record type, 4-byte big-endian payload length,
// CBOR payload.
const recordRule byte = 0x01

// maxJournalPayload bounds a single record so a corrupt length field
// cannot force a huge allocation during replay.
const maxJournalPayload = 1 << 20

type journalRule struct {
	Origin    string `cbor:"origin"`
	Kind      string `cbor:"kind"`
	Pattern   string `cbor:"pattern"`
	Scope     string `cbor:"scope,omitempty"`
	Exact     bool   `cbor:"exact,omitempty"`
	CreatedAt string `cbor:"created_at"`
}

// Journal is the append-only session record of rules that are not
// persisted to the store. Replaying it into a fresh Log reconstructs
// the session's policy state.
type Journal struct {
	mu sync.Mutex
	f  *os.File
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errx.Wrap(ErrOpenJournal, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errx.Wrap(ErrOpenJournal, err)
	}
	return &Journal{f: f}, nil
}

// Record appends one log entry. The frame is written in a single call
// so an interrupted write can only tear the trailing record.
func (j *Journal) Record(e Entry) error {
	payload, err := cbor.Marshal(journalRule{
		Origin:    string(e.Origin),
		Kind:      string(e.Rule.Kind),
		Pattern:   e.Rule.Pattern,
		Scope:     e.Rule.Scope,
		Exact:     e.Rule.Exact,
		CreatedAt: e.Rule.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return errx.Wrap(ErrRecordJournal, err)
	}

	frame := make([]byte, 5, 5+len(payload))
	frame[0] = recordRule
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(payload)))
	frame = append(frame, payload...)

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(frame); err != nil {
		return errx.Wrap(ErrRecordJournal, err)
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReplayJournal appends every recorded rule to log and reports how many
// were replayed. A missing file is a fresh session. A short trailing
// frame ends the replay without error; records with unknown types are
// skipped.
func ReplayJournal(path string, log *Log) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errx.Wrap(ErrReplayJournal, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	replayed := 0
	for {
		var header [5]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return replayed, nil
			}
			return replayed, errx.Wrap(ErrReplayJournal, err)
		}

		payloadLen := binary.BigEndian.Uint32(header[1:5])
		if payloadLen > maxJournalPayload {
			return replayed, errx.With(ErrReplayJournal, ": record length %d exceeds limit", payloadLen)
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return replayed, nil
			}
			return replayed, errx.Wrap(ErrReplayJournal, err)
		}

		if header[0] != recordRule {
			continue
		}

		var rec journalRule
		if err := cbor.Unmarshal(payload, &rec); err != nil {
			return replayed, errx.Wrap(ErrReplayJournal, err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, rec.CreatedAt)
		if err != nil {
			return replayed, errx.Wrap(ErrReplayJournal, err)
		}

		if _, err := log.Append(Origin(rec.Origin), policy.Rule{
			Kind:      policy.Kind(rec.Kind),
			Pattern:   rec.Pattern,
			Scope:     rec.Scope,
			Exact:     rec.Exact,
			CreatedAt: createdAt,
		}); err != nil {
			return replayed, errx.Wrap(ErrReplayJournal, err)
		}
		replayed++
	}
}
