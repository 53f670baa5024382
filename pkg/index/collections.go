package index

import (
	"path"
	"strings"
)

// collectionFileSuffix tails every collection descriptor file name; the
// rest of the base name is the (normalized) worker that wrote it.
const collectionFileSuffix = "_collections.json"

// Collection is a named group of tensors a training job declared
// together, by explicit names and/or regular expressions.
type Collection struct {
	Name         string   `json:"name"`
	TensorNames  []string `json:"tensor_names"`
	IncludeRegex []string `json:"include_regex,omitempty"`
}

// Registry holds the collection membership metadata of a trial,
// together with the worker count the training job declared. That count
// is the handshake the trial core needs before it can say any step is
// fully written.
type Registry struct {
	collections map[string]Collection
	numWorkers  int
}

func NewRegistry(collections map[string]Collection, numWorkers int) *Registry {
	if collections == nil {
		collections = map[string]Collection{}
	}
	return &Registry{collections: collections, numWorkers: numWorkers}
}

// NumWorkers is the number of workers the training job declared.
func (r *Registry) NumWorkers() int {
	return r.numWorkers
}

// Collections returns name -> Collection for all known collections.
func (r *Registry) Collections() map[string]Collection {
	ret := map[string]Collection{}
	for name, c := range r.collections {
		ret[name] = c
	}
	return ret
}

func (r *Registry) Get(name string) (Collection, bool) {
	c, ok := r.collections[name]
	return c, ok
}

// Merge folds another registry in. Collections seen from several
// workers are expected to agree; the last one read wins. The declared
// worker count never shrinks.
func (r *Registry) Merge(other *Registry) {
	for name, c := range other.collections {
		r.collections[name] = c
	}
	if r.numWorkers < other.numWorkers {
		r.numWorkers = other.numWorkers
	}
}

// WorkerFromCollectionFile recovers the worker name a descriptor file
// belongs to. Returns "" when the path is not a descriptor file.
func WorkerFromCollectionFile(file string) string {
	base := path.Base(file)
	if !strings.HasSuffix(base, collectionFileSuffix) {
		return ""
	}
	return strings.TrimSuffix(base, collectionFileSuffix)
}

// CollectionFileNameFor builds the descriptor file base name a worker
// publishes.
func CollectionFileNameFor(worker string) string {
	return NormalizeWorker(worker) + collectionFileSuffix
}
