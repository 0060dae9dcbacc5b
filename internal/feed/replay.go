package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/model"
	"github.com/signalsfoundry/dispatch-monitor/timectrl"
)

const maxReplayLine = 4 << 20

// Replay plays back a recorded JSONL file of wire batches. Files ending in
// ".zst" are zstd-compressed. The first matching batch is delivered at once;
// the rest are spaced by Interval on the supplied clock.
type Replay struct {
	Path     string
	Interval time.Duration
	Clock    timectrl.Clock
	Log      logging.Logger
}

var _ Source = (*Replay)(nil)

// ErrReadOnly is returned when deleting from a feed that cannot write back.
var ErrReadOnly = errors.New("feed is read-only")

// DeleteEntity always fails: a recording cannot be edited.
func (r *Replay) DeleteEntity(ctx context.Context, collection, key string) error {
	return fmt.Errorf("delete %s/%s: replay %w", collection, key, ErrReadOnly)
}

// Subscribe implements Source. Each subscription reads the file
// independently; the channel is closed at end of file.
func (r *Replay) Subscribe(ctx context.Context, collection string) (<-chan model.Batch, error) {
	rc, err := openReplay(r.Path)
	if err != nil {
		return nil, err
	}

	clock := r.Clock
	if clock == nil {
		clock = timectrl.Real{}
	}
	log := r.Log
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.Collection(collection), logging.String("path", r.Path))

	out := make(chan model.Batch)
	go func() {
		defer close(out)
		defer rc.Close()

		sc := bufio.NewScanner(rc)
		sc.Buffer(make([]byte, 0, 64<<10), maxReplayLine)
		line, sent := 0, 0
		for sc.Scan() {
			line++
			raw := strings.TrimSpace(sc.Text())
			if raw == "" || strings.HasPrefix(raw, "#") {
				continue
			}
			b, err := DecodeBatch([]byte(raw))
			if err != nil {
				log.Warn(ctx, "replay: skipping line", logging.Int("line", line), logging.Err(err))
				continue
			}
			if b.Collection != collection {
				continue
			}
			if sent > 0 && r.Interval > 0 {
				select {
				case <-clock.After(r.Interval):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- b:
				sent++
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			log.Error(ctx, "replay: read failed", logging.Err(err))
			return
		}
		log.Info(ctx, "replay: finished", logging.Int("batches", sent))
	}()
	return out, nil
}

// ReadFile decodes every batch in a replay file in order and hands it to fn.
// Unlike Subscribe it stops at the first malformed line.
func ReadFile(path string, fn func(line int, b model.Batch) error) error {
	rc, err := openReplay(path)
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64<<10), maxReplayLine)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		b, err := DecodeBatch([]byte(raw))
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if err := fn(line, b); err != nil {
			return err
		}
	}
	return sc.Err()
}

func openReplay(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open replay: %w", err)
	}
	return &zstdFile{Decoder: zr, f: f}, nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}
