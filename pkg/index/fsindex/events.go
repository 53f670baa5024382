package fsindex

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/stepscope/stepscope/pkg/index"
	"github.com/stepscope/stepscope/pkg/xerrors"
)

// EventReader is the index-less strategy: it walks the event files
// themselves under events/ and returns every tensor value eagerly.
//
// Slower to scan than the index-file strategy, but works for trials
// whose writers publish no index. Event documents use the same schema
// and key shape as index files, just under events/ instead of index/.
type EventReader struct {
	dir    string
	logger *log.Logger
}

var _ index.Reader = &EventReader{}

type EventOption func(*EventReader)

func WithEventLogger(l *log.Logger) EventOption {
	return func(r *EventReader) {
		r.logger = l
	}
}

func NewEventReader(dir string, opts ...EventOption) *EventReader {
	r := &EventReader{dir: dir, logger: log.New(io.Discard, "", 0)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *EventReader) LoadTensorData(
	ctx context.Context, startAfter index.Token, rng *index.StepRange,
) ([]index.Record, index.Token, error) {
	keys, err := listKeys(filepath.Join(r.dir, eventsDir), eventsDir)
	if err != nil {
		return nil, index.None, err
	}

	// event documents embed their values, so any lazy resolution in a
	// broken document would be a schema violation; the inner reader is
	// still used for parsing and (unexpected) location resolution.
	inner := &Reader{dir: r.dir, logger: r.logger}

	records := []index.Record{}
	newToken := index.None
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, index.None, err
		}

		token := index.Token(strings.TrimSuffix(key, ".gz"))
		if startAfter != index.None && token <= startAfter {
			continue
		}
		newToken = token

		step, ok := token.Step()
		if !ok {
			r.logger.Printf("skipping unparsable event key: %s", key)
			continue
		}
		if !rng.Contains(step) {
			continue
		}

		recs, err := inner.readIndexFile(key, step)
		if err != nil {
			return nil, index.None, xerrors.Wrap(err)
		}
		records = append(records, recs...)
	}

	return records, newToken, nil
}

func (r *EventReader) TrainingEnded(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return markerExists(r.dir)
}

func (r *EventReader) CollectionFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listCollectionFiles(r.dir)
}

func (r *EventReader) ReadCollections(ctx context.Context, files []string) (*index.Registry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readCollections(files)
}
