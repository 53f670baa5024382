// Package fsindex reads trial output from a local directory.
//
// Layout under the trial directory:
//
//	collections/<worker>_collections.json   collection descriptors, one per worker
//	index/<block>/<step>_<worker>.json      per-step per-worker index files
//	events/...                              trace files holding raw tensor bytes
//	training_job_end.ts                     job-completion marker
//
// Index files may be gzip-compressed (".json.gz"); compression is
// transparent to callers and does not affect listing order.
package fsindex

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/stepscope/stepscope/pkg/domain/mode"
	"github.com/stepscope/stepscope/pkg/domain/tensor"
	"github.com/stepscope/stepscope/pkg/index"
	"github.com/stepscope/stepscope/pkg/xerrors"
)

// TrainingEndMarker is the file a training job touches when it is done.
const TrainingEndMarker = "training_job_end.ts"

const (
	indexDir       = "index"
	eventsDir      = "events"
	collectionsDir = "collections"
)

type Option func(*Reader)

func WithLogger(l *log.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

// Reader is the index-file based strategy: tensor values stay in trace
// files and are returned as lazy records resolved on demand.
type Reader struct {
	dir    string
	logger *log.Logger
}

var _ index.Reader = &Reader{}

func New(dir string, opts ...Option) *Reader {
	r := &Reader{dir: dir, logger: log.New(io.Discard, "", 0)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// indexFile is the schema of one index file. Step and worker come from
// the file key; the body carries the mode attribution and the tensors.
type indexFile struct {
	Mode     string        `json:"mode,omitempty"`
	ModeStep *int          `json:"mode_step,omitempty"`
	Worker   string        `json:"worker,omitempty"`
	Tensors  []tensorEntry `json:"tensor_entries"`
}

type tensorEntry struct {
	Name     string         `json:"name"`
	Values   []float64      `json:"values,omitempty"`
	Location *locationEntry `json:"location,omitempty"`
}

type locationEntry struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

func (r *Reader) LoadTensorData(
	ctx context.Context, startAfter index.Token, rng *index.StepRange,
) ([]index.Record, index.Token, error) {
	keys, err := listKeys(filepath.Join(r.dir, indexDir), indexDir)
	if err != nil {
		return nil, index.None, err
	}

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
			r.logger.Printf("skipping unparsable index key: %s", key)
			continue
		}
		if !rng.Contains(step) {
			continue
		}

		recs, err := r.readIndexFile(key, step)
		if err != nil {
			return nil, index.None, xerrors.Wrap(err)
		}
		records = append(records, recs...)
	}

	return records, newToken, nil
}

func (r *Reader) readIndexFile(key string, step int) ([]index.Record, error) {
	body, err := readMaybeGzip(filepath.Join(r.dir, filepath.FromSlash(key)))
	if err != nil {
		return nil, err
	}

	var file indexFile
	if err := json.Unmarshal(body, &file); err != nil {
		return nil, fmt.Errorf("broken index file %s: %w", key, err)
	}

	m, err := mode.Parse(file.Mode)
	if err != nil {
		return nil, fmt.Errorf("broken index file %s: %w", key, err)
	}
	modeStep := step
	if file.ModeStep != nil {
		modeStep = *file.ModeStep
	}
	worker := file.Worker
	if worker == "" {
		worker = workerFromKey(key)
	}

	records := make([]index.Record, 0, len(file.Tensors))
	for _, entry := range file.Tensors {
		var value tensor.Value
		switch {
		case entry.Location != nil:
			value = tensor.Lazy(tensor.Location{
				File:   entry.Location.File,
				Offset: entry.Location.Offset,
				Length: entry.Location.Length,
			}, r)
		case entry.Values != nil:
			value = tensor.Eager(entry.Values)
		default:
			return nil, fmt.Errorf(
				"broken index file %s: tensor %q has neither values nor location",
				key, entry.Name,
			)
		}
		records = append(records, index.Record{
			TensorName: entry.Name,
			Step:       step,
			Mode:       m,
			ModeStep:   modeStep,
			Worker:     worker,
			Value:      value,
		})
	}
	return records, nil
}

// Resolve reads raw little-endian float64 bytes out of a trace file.
func (r *Reader) Resolve(ctx context.Context, loc tensor.Location) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if loc.Length%8 != 0 {
		return nil, fmt.Errorf("tensor bytes at %s are not float64-aligned", loc)
	}

	f, err := os.Open(filepath.Join(r.dir, filepath.FromSlash(loc.File)))
	if err != nil {
		return nil, xerrors.Wrap(err)
	}
	defer f.Close()

	buf := make([]byte, loc.Length)
	if _, err := f.ReadAt(buf, loc.Offset); err != nil {
		return nil, xerrors.WrapWithNote(fmt.Sprintf("reading %s", loc), err)
	}

	values := make([]float64, loc.Length/8)
	for nth := range values {
		bits := binary.LittleEndian.Uint64(buf[nth*8:])
		values[nth] = math.Float64frombits(bits)
	}
	return values, nil
}

func (r *Reader) TrainingEnded(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return markerExists(r.dir)
}

func (r *Reader) CollectionFiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listCollectionFiles(r.dir)
}

func (r *Reader) ReadCollections(ctx context.Context, files []string) (*index.Registry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readCollections(files)
}

// workerFromKey recovers the (normalized) worker name from an index key
// like "index/000000000/000000000012_worker-0.json".
func workerFromKey(key string) string {
	base := path.Base(key)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".json")
	cut := strings.Index(base, "_")
	if cut < 0 {
		return ""
	}
	return base[cut+1:]
}

// listKeys walks two levels (block dir, then files) and returns keys
// like "<prefix>/<block>/<file>", sorted. A missing root is an empty
// listing, not an error: workers may not have published anything yet.
func listKeys(root string, prefix string) ([]string, error) {
	blocks, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(err)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Name() < blocks[j].Name() })

	keys := []string{}
	for _, block := range blocks {
		if !block.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, block.Name()))
		if err != nil {
			return nil, xerrors.Wrap(err)
		}
		names := make([]string, 0, len(files))
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			// raw trace blobs (.bin) may share the tree; only index
			// documents are listed.
			if !strings.HasSuffix(f.Name(), ".json") && !strings.HasSuffix(f.Name(), ".json.gz") {
				continue
			}
			names = append(names, f.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			keys = append(keys, path.Join(prefix, block.Name(), name))
		}
	}
	return keys, nil
}

func readMaybeGzip(filename string) ([]byte, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, xerrors.Wrap(err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(filename, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, xerrors.Wrap(err)
		}
		defer gz.Close()
		src = gz
	}
	return io.ReadAll(src)
}

func markerExists(dir string) (bool, error) {
	_, err := os.Stat(filepath.Join(dir, TrainingEndMarker))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Wrap(err)
	}
	return true, nil
}

func listCollectionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, collectionsDir))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(err)
	}

	files := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if index.WorkerFromCollectionFile(e.Name()) == "" {
			continue
		}
		files = append(files, filepath.Join(dir, collectionsDir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// collectionsFile is the schema of one collection descriptor file.
type collectionsFile struct {
	NumWorkers  int                         `json:"num_workers"`
	Collections map[string]index.Collection `json:"collections"`
}

func readCollections(files []string) (*index.Registry, error) {
	registry := index.NewRegistry(nil, 0)
	for _, file := range files {
		body, err := os.ReadFile(file)
		if err != nil {
			return nil, xerrors.Wrap(err)
		}
		var parsed collectionsFile
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("broken collection file %s: %w", file, err)
		}
		for name, c := range parsed.Collections {
			c.Name = name
			parsed.Collections[name] = c
		}
		registry.Merge(index.NewRegistry(parsed.Collections, parsed.NumWorkers))
	}
	return registry, nil
}
