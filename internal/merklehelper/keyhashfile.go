package merklehelper

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	xxhash "github.com/cespare/xxhash/v2"
	cbor "github.com/fxamacker/cbor/v2"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// KeyHashRecord is one length-prefixed term(bkey, hash) record, the
// on-disk shape spec §3 calls a "KeyHash file".
type KeyHashRecord struct {
	BKey []byte `cbor:"k"`
	Hash string `cbor:"h"`
}

// KeyHashWriter appends length-prefixed KeyHashRecords to a temp file
// guarded by an flock on path, and atomically publishes the result to
// path on Close — the same replace-the-whole-file discipline as the
// Merkle btree's snapshot persistence.
type KeyHashWriter struct {
	path string
	lock *flock.Flock
	tmp  *os.File
	w    *bufio.Writer
}

// CreateKeyHashWriter opens a fresh keyhash file writer for path,
// taking an flock on path for the writer's lifetime. The file does not
// exist at path until Close succeeds.
func CreateKeyHashWriter(path string) (*KeyHashWriter, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("merklehelper: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("merklehelper: %s is already being built", path)
	}

	w, err := newKeyHashWriterNoLock(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	w.lock = lock
	return w, nil
}

// newKeyHashWriterNoLock builds a writer for path without touching
// flock, for callers (MerkleBTree) that already hold their own lock on
// the same path and manage its release themselves.
func newKeyHashWriterNoLock(path string) (*KeyHashWriter, error) {
	tmp, err := os.CreateTemp("", "keyhash-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("merklehelper: create temp file for %s: %w", path, err)
	}
	return &KeyHashWriter{path: path, tmp: tmp, w: bufio.NewWriter(tmp)}, nil
}

// Write appends one record: a 4-byte length prefix, the CBOR payload,
// and an 8-byte xxhash checksum of that payload guarding against a
// truncated or corrupted flush going unnoticed by Next.
func (w *KeyHashWriter) Write(bkey []byte, hash string) error {
	payload, err := cbor.Marshal(KeyHashRecord{BKey: bkey, Hash: hash})
	if err != nil {
		return fmt.Errorf("merklehelper: encode record: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	var sumBuf [8]byte
	binary.BigEndian.PutUint64(sumBuf[:], xxhash.Sum64(payload))
	_, err = w.w.Write(sumBuf[:])
	return err
}

// Close flushes, fsyncs, publishes the temp file to path atomically,
// and releases the build lock, if this writer owns one.
func (w *KeyHashWriter) Close() error {
	if w.lock != nil {
		defer w.lock.Unlock()
	}

	if err := w.w.Flush(); err != nil {
		w.tmp.Close()
		os.Remove(w.tmp.Name())
		return fmt.Errorf("merklehelper: flush %s: %w", w.path, err)
	}
	if err := w.tmp.Sync(); err != nil {
		w.tmp.Close()
		os.Remove(w.tmp.Name())
		return fmt.Errorf("merklehelper: sync %s: %w", w.path, err)
	}
	if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
		w.tmp.Close()
		os.Remove(w.tmp.Name())
		return fmt.Errorf("merklehelper: rewind %s: %w", w.path, err)
	}

	publishErr := atomic.WriteFile(w.path, w.tmp)
	w.tmp.Close()
	os.Remove(w.tmp.Name())
	if publishErr != nil {
		return fmt.Errorf("merklehelper: publish %s: %w", w.path, publishErr)
	}
	return nil
}

// KeyHashReader streams KeyHashRecords back out of a keyhash file in
// on-disk order.
type KeyHashReader struct {
	f *os.File
	r *bufio.Reader
}

// OpenKeyHashReader opens path for sequential reading.
func OpenKeyHashReader(path string) (*KeyHashReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("merklehelper: open %s: %w", path, err)
	}
	return &KeyHashReader{f: f, r: bufio.NewReader(f)}, nil
}

// Next returns the next record, or io.EOF once the file is exhausted.
func (r *KeyHashReader) Next() (KeyHashRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return KeyHashRecord{}, io.EOF
		}
		return KeyHashRecord{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return KeyHashRecord{}, fmt.Errorf("merklehelper: truncated record: %w", err)
	}

	var sumBuf [8]byte
	if _, err := io.ReadFull(r.r, sumBuf[:]); err != nil {
		return KeyHashRecord{}, fmt.Errorf("merklehelper: truncated checksum: %w", err)
	}
	if binary.BigEndian.Uint64(sumBuf[:]) != xxhash.Sum64(payload) {
		return KeyHashRecord{}, fmt.Errorf("merklehelper: checksum mismatch in record")
	}

	var rec KeyHashRecord
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return KeyHashRecord{}, fmt.Errorf("merklehelper: decode record: %w", err)
	}
	return rec, nil
}

// Close releases the underlying file.
func (r *KeyHashReader) Close() error {
	return r.f.Close()
}

// readAllRecords loads every record from path into memory, in file
// order. Used only by SortKeyHashFile and CheckSorted, where the whole
// file must be seen to decide sortedness or produce a sorted copy.
func readAllRecords(path string) ([]KeyHashRecord, error) {
	r, err := OpenKeyHashReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []KeyHashRecord
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SortKeyHashFile reads every record at path, sorts by packed bkey,
// and atomically republishes path in sorted order — the "sort the file
// externally" step of make_keylist (spec §4.2).
func SortKeyHashFile(path string) error {
	records, err := readAllRecords(path)
	if err != nil {
		return fmt.Errorf("merklehelper: read %s for sort: %w", path, err)
	}

	sort.Slice(records, func(i, j int) bool {
		return bytes.Compare(records[i].BKey, records[j].BKey) < 0
	})

	w, err := CreateKeyHashWriter(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := w.Write(rec.BKey, rec.Hash); err != nil {
			return err
		}
	}
	return w.Close()
}

// CheckSorted reports whether path is sorted by packed bkey, mirroring
// the original's file_sorter.check round-trip property (spec §8).
func CheckSorted(path string) (bool, error) {
	records, err := readAllRecords(path)
	if err != nil {
		return false, err
	}
	for i := 1; i < len(records); i++ {
		if bytes.Compare(records[i-1].BKey, records[i].BKey) > 0 {
			return false, nil
		}
	}
	return true, nil
}
