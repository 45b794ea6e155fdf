package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// Extension is appended to snapshot names.
const Extension = ".jsonl.zst"

// Source lists the records to export.
type Source interface {
	List(ctx context.Context, f task.Filter) ([]task.Record, error)
}

// Sink re-creates imported records. Ids and timestamps are reassigned.
type Sink interface {
	Create(ctx context.Context, r task.Record) (int64, error)
}

// Export writes every record as one JSON object per line, zstd-compressed.
func Export(ctx context.Context, src Source, w io.Writer) (int, error) {
	records, err := src.List(ctx, task.Filter{})
	if err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, err
	}
	jw := json.NewEncoder(enc)
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			enc.Close()
			return i, err
		}
		if err := jw.Encode(r); err != nil {
			enc.Close()
			return i, fmt.Errorf("export record %d: %w", r.ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Import reads a snapshot written by Export and creates each record through
// sink. A record that fails to create is skipped and reported in the joined
// error; a corrupt stream stops the import.
func Import(ctx context.Context, sink Sink, r io.Reader, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	var (
		created int
		errs    []error
	)
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec task.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return created, fmt.Errorf("import line %d: %w", line, err)
		}
		oldID := rec.ID
		if _, err := sink.Create(ctx, rec); err != nil {
			logger.Warn("import skipped record", "op", "import", "id", oldID, "err", err)
			errs = append(errs, fmt.Errorf("import line %d (id %d): %w", line, oldID, err))
			continue
		}
		created++
	}
	if err := scanner.Err(); err != nil {
		return created, fmt.Errorf("import: %w", err)
	}
	return created, errors.Join(errs...)
}

// SnapshotName returns a sortable name for a snapshot taken at t.
func SnapshotName(t time.Time) string {
	return "tasks-" + t.UTC().Format("20060102T150405Z") + Extension
}

// Save exports src into blobs under name and returns the record count.
func Save(ctx context.Context, src Source, blobs BlobStore, name string) (int, error) {
	pr, pw := io.Pipe()
	counted := make(chan int, 1)
	go func() {
		n, err := Export(ctx, src, pw)
		counted <- n
		pw.CloseWithError(err)
	}()
	if err := blobs.Put(ctx, name, pr); err != nil {
		pr.CloseWithError(err)
		return 0, fmt.Errorf("save snapshot %s: %w", name, err)
	}
	return <-counted, nil
}

// Restore imports the named snapshot from blobs into sink.
func Restore(ctx context.Context, sink Sink, blobs BlobStore, name string, logger *slog.Logger) (int, error) {
	rc, err := blobs.Open(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("open snapshot %s: %w", name, err)
	}
	defer rc.Close()
	return Import(ctx, sink, rc, logger)
}

// Latest returns the newest snapshot name in blobs.
func Latest(ctx context.Context, blobs BlobStore) (string, error) {
	names, err := blobs.List(ctx, "tasks-")
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNotFound
	}
	return names[len(names)-1], nil
}
