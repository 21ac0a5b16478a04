// Package spool is a local append-only log for anomaly events whose outbox write failed.
//
// Record format: [8 bytes id][4 bytes length][length bytes JSON]. The id of the last record
// written back to the outbox is kept in a separate meta file.
package spool

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/domain"
)

const recordHeaderLen = 12

// Entry is one spooled anomaly: the outbox row and its history row.
type Entry struct {
	Event   domain.AnomalyEvent    `json:"event"`
	History *domain.AnomalyHistory `json:"history,omitempty"`
}

type Stats struct {
	Pending        uint64 `json:"pending"`
	Committed      uint64 `json:"committed"`
	LatestAppended uint64 `json:"latest_appended"`
	SizeBytes      int64  `json:"size_bytes"`
}

// logFile is the part of *os.File the spool writes through.
type logFile interface {
	io.ReadWriteSeeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

type FileSpool struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      logFile
	nextID    uint64
	committed uint64
	sizeBytes int64
}

func Open(dir string) (*FileSpool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	path := filepath.Join(dir, "outbox.spool")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}

	s := &FileSpool{
		path:     path,
		metaPath: filepath.Join(dir, "outbox.spool.meta"),
		file:     f,
	}
	if err := s.bootstrap(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileSpool) bootstrap() error {
	if err := s.scanExisting(); err != nil {
		return err
	}
	if err := s.loadCommitted(); err != nil {
		return err
	}
	if s.nextID < s.committed {
		s.nextID = s.committed
	}
	_, err := s.file.Seek(0, io.SeekEnd)
	return err
}

// scanExisting finds the last complete record and cuts off a torn tail left by a crash.
func (s *FileSpool) scanExisting() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(s.file)

	var (
		offset int64
		lastID uint64
	)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("spool scan header: %w", err)
		}
		id := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("spool scan body: %w", err)
		}
		offset += recordHeaderLen + int64(length)
		lastID = id
	}

	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	s.sizeBytes = offset
	s.nextID = lastID
	return nil
}

func (s *FileSpool) loadCommitted() error {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("spool meta parse: %w", err)
	}
	s.committed = u
	return nil
}

// Append writes an entry and syncs it to disk before returning its id.
func (s *FileSpool) Append(e *Entry) (uint64, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode spool entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID + 1

	buf := make([]byte, recordHeaderLen+len(b))
	binary.BigEndian.PutUint64(buf[0:8], id)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(b)))
	copy(buf[recordHeaderLen:], b)

	if _, err := s.file.Write(buf); err != nil {
		return 0, s.rollbackLocked(fmt.Errorf("write spool entry: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		return 0, s.rollbackLocked(fmt.Errorf("sync spool: %w", err))
	}

	s.nextID = id
	s.sizeBytes += int64(len(buf))
	return id, nil
}

// rollbackLocked cuts the log back to the last complete record after a failed append.
func (s *FileSpool) rollbackLocked(cause error) error {
	if err := s.file.Truncate(s.sizeBytes); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate spool: %w", err))
	}
	if _, err := s.file.Seek(s.sizeBytes, io.SeekStart); err != nil {
		return errors.Join(cause, fmt.Errorf("seek spool: %w", err))
	}
	return cause
}

// Iterate calls fn for every uncommitted entry in append order and stops at the first error.
func (s *FileSpool) Iterate(fn func(id uint64, e *Entry) error) error {
	s.mu.Lock()
	from := s.committed + 1
	s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("spool iterate header: %w", err)
		}
		id := binary.BigEndian.Uint64(hdr[0:8])
		l := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt spool: %w", err)
		}
		if id < from {
			continue
		}

		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("corrupt spool entry %d: %w", id, err)
		}
		if err := fn(id, &e); err != nil {
			return err
		}
	}
}

// Commit marks every entry up to and including upto as written to the outbox.
// Once nothing is pending the log file is truncated.
func (s *FileSpool) Commit(upto uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if upto > s.nextID {
		upto = s.nextID
	}
	if upto > s.committed {
		s.committed = upto
	}
	if err := s.persistMetaLocked(); err != nil {
		return err
	}

	if s.committed == s.nextID && s.sizeBytes > 0 {
		if err := s.file.Truncate(0); err != nil {
			return fmt.Errorf("truncate spool: %w", err)
		}
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		s.sizeBytes = 0
	}
	return nil
}

func (s *FileSpool) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:        s.nextID - s.committed,
		Committed:      s.committed,
		LatestAppended: s.nextID,
		SizeBytes:      s.sizeBytes,
	}
}

func (s *FileSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *FileSpool) persistMetaLocked() error {
	tmp := s.metaPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", s.committed)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath)
}
