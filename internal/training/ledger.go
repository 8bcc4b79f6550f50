package training

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/lab/crystalline/internal/xerrors"
)

var runsBucket = []byte("runs")

// RunLedger is a small bbolt-backed record of training runs: one bucket
// entry per checkpoint event, keyed by run id and step, tracking the step a
// checkpoint was taken at and when.
// It exists alongside the raw checkpoint stream (which only ever holds
// tensors) so operators can answer "what runs exist and where are they" on
// the checkpoint directory without parsing every binary blob.
type RunLedger struct {
	db *bbolt.DB
}

// OpenRunLedger opens (creating if absent) a bbolt database at path.
func OpenRunLedger(path string) (*RunLedger, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, xerrors.New(xerrors.KindIO, "open run ledger", err.Error())
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, xerrors.New(xerrors.KindIO, "initialize run ledger bucket", err.Error())
	}
	return &RunLedger{db: db}, nil
}

// Close releases the underlying bbolt database.
func (l *RunLedger) Close() error { return l.db.Close() }

// NewRunID mints a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// RunRecord captures one checkpoint event within a run.
type RunRecord struct {
	RunID     string
	Step      int
	MeanLoss  float32
	SavedAt   time.Time
	Checksum  uint32
	ModelPath string
}

// RecordCheckpoint persists a checkpoint event for runID, keyed so the most
// recent write for a run id is always retrievable by LatestForRun.
func (l *RunLedger) RecordCheckpoint(rec RunRecord) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(runsBucket)
		key := ledgerKey(rec.RunID, rec.Step)
		buf := encodeRunRecord(rec)
		return b.Put(key, buf)
	})
}

// LatestForRun scans every recorded checkpoint for runID and returns the
// one with the highest step, or ok=false if the run has no entries.
func (l *RunLedger) LatestForRun(runID string) (rec RunRecord, ok bool, err error) {
	prefix := []byte(runID + "/")
	err = l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			cur := decodeRunRecord(v)
			if !ok || cur.Step > rec.Step {
				rec, ok = cur, true
			}
		}
		return nil
	})
	return rec, ok, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func ledgerKey(runID string, step int) []byte {
	key := make([]byte, 0, len(runID)+1+8)
	key = append(key, runID...)
	key = append(key, '/')
	stepBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(stepBytes, uint64(step))
	return append(key, stepBytes...)
}

func encodeRunRecord(rec RunRecord) []byte {
	pathBytes := []byte(rec.ModelPath)
	buf := make([]byte, 4+4+8+4+8+len(pathBytes))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(rec.Step))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(rec.MeanLoss))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(rec.SavedAt.Unix()))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], rec.Checksum)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(pathBytes)))
	off += 8
	copy(buf[off:], pathBytes)
	return buf
}

func decodeRunRecord(buf []byte) RunRecord {
	off := 0
	step := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	lossBits := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	savedAt := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	checksum := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	pathLen := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	path := string(buf[off : off+int(pathLen)])
	return RunRecord{
		Step:      int(step),
		MeanLoss:  math.Float32frombits(lossBits),
		SavedAt:   time.Unix(int64(savedAt), 0),
		Checksum:  checksum,
		ModelPath: path,
	}
}
