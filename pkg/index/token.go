package index

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Token is a resume point into the index stream.
//
// It is the storage key of the last index file consumed, e.g.
//
//	index/000000000/000000000012_worker-0.json
//
// Keys are built so that lexicographic order equals (step, worker)
// order: a nine-digit block directory (step / 1000) followed by the
// twelve-digit step and the worker name. Beyond the encoded step,
// callers treat tokens as opaque.
type Token string

// None is the zero Token.
const None Token = ""

// stepsPerBlock is how many steps share one index subdirectory. Index
// listings scan block directories in order, so bounding a block bounds
// a listing.
const stepsPerBlock = 1000

// KeyFor builds the key for (step, worker) under a listing prefix
// ("index" or "events"  depending on the reader strategy). worker must
// already be normalized (see NormalizeWorker).
func KeyFor(prefix string, step int, worker string) Token {
	return Token(fmt.Sprintf(
		"%s/%09d/%012d_%s.json", prefix, step/stepsPerBlock, step, worker,
	))
}

// Prefix returns the leading path segment of the token, i.e. the
// listing the token belongs to. Rewritten cursor positions must stay
// inside the same listing, so they are keyed with the prefix of the
// token they replace.
func (t Token) Prefix() string {
	cut := strings.Index(string(t), "/")
	if cut < 0 {
		return ""
	}
	return string(t)[:cut]
}

// Step extracts the step number encoded in the token.
func (t Token) Step() (int, bool) {
	if t == None {
		return 0, false
	}
	base := path.Base(string(t))
	cut := strings.Index(base, "_")
	if cut < 0 {
		return 0, false
	}
	step, err := strconv.Atoi(base[:cut])
	if err != nil {
		return 0, false
	}
	return step, true
}

// NormalizeWorker makes a worker name filesystem- and ordering-safe.
//
// Device-style worker names ("/job:worker/replica:0/task:1") contain
// separators that would break key parsing; they are flattened so that
// normalized names sort consistently.
func NormalizeWorker(worker string) string {
	worker = strings.ReplaceAll(worker, "/", "_")
	return strings.ReplaceAll(worker, ":", "-")
}
