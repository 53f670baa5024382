// Package mode names the phases a training job runs in.
//
// A training job counts steps globally, and optionally again per phase
// (train, eval, predict). Data written outside any declared phase is
// attributed to the GLOBAL pseudo-mode, whose mode-local steps are the
// global steps themselves.
package mode

import "fmt"

type Mode string

const (
	GLOBAL  Mode = "GLOBAL"
	TRAIN   Mode = "TRAIN"
	EVAL    Mode = "EVAL"
	PREDICT Mode = "PREDICT"
)

// Parse maps a mode name (as it appears in index files) to a Mode.
func Parse(name string) (Mode, error) {
	switch Mode(name) {
	case GLOBAL, TRAIN, EVAL, PREDICT:
		return Mode(name), nil
	case "":
		return GLOBAL, nil
	}
	return GLOBAL, fmt.Errorf("unknown mode: %q", name)
}

func (m Mode) String() string {
	return string(m)
}
