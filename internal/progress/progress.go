// Package progress maps per-stage fractional progress of an export onto a
// single 0-100 percentage. Each stage owns a fixed range of the percentage
// scale sized by how long it usually takes, so a fast stage finishing does
// not make the bar jump ahead of wall-clock completion.
package progress

import (
	"fmt"
	"math"
	"sync"
)

// Stage is one phase of an export, in execution order.
type Stage int

// Export stages.
const (
	StageInit Stage = iota
	StageSetup
	StageDecode
	StageEncode
	StageMux
	numStages
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageSetup:
		return "setup"
	case StageDecode:
		return "decode"
	case StageEncode:
		return "encode"
	case StageMux:
		return "mux"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Default messages shown for each stage.
const (
	MsgInit     = "Analyzing input file..."
	MsgSetup    = "Configuring decoders & encoders..."
	MsgDecode   = "Decoding video..."
	MsgEncode   = "Transforming..."
	MsgMux      = "Assembling final file..."
	MsgFinalize = "Finalizing file..."
	MsgDone     = "Done!"
)

var messages = [numStages]string{MsgInit, MsgSetup, MsgDecode, MsgEncode, MsgMux}

// Range is the [Start, End] slice of the 0-100 scale owned by a stage. Its
// width is the stage's weight.
type Range struct {
	Start float64 `yaml:"start"`
	End   float64 `yaml:"end"`
}

// Weight returns the width of the range.
func (r Range) Weight() float64 {
	return r.End - r.Start
}

// Ranges assigns a Range to every stage.
type Ranges struct {
	Init   Range `yaml:"init"`
	Setup  Range `yaml:"setup"`
	Decode Range `yaml:"decode"`
	Encode Range `yaml:"encode"`
	Mux    Range `yaml:"mux"`
}

// DefaultRanges weights encoding heaviest.
func DefaultRanges() Ranges {
	return Ranges{
		Init:   Range{0, 2},
		Setup:  Range{2, 5},
		Decode: Range{5, 20},
		Encode: Range{20, 90},
		Mux:    Range{90, 100},
	}
}

func (r Ranges) byStage() [numStages]Range {
	return [numStages]Range{r.Init, r.Setup, r.Decode, r.Encode, r.Mux}
}

// Validate checks that the ranges are ordered, non-overlapping and within
// 0-100.
func (r Ranges) Validate() error {
	prev := 0.0
	for i, rg := range r.byStage() {
		s := Stage(i)
		if rg.Start < 0 || rg.End > 100 || rg.End < rg.Start {
			return fmt.Errorf("progress stage %s: invalid range [%g, %g]", s, rg.Start, rg.End)
		}
		if rg.Start < prev {
			return fmt.Errorf("progress stage %s: range starts at %g, before previous stage ends at %g", s, rg.Start, prev)
		}
		prev = rg.End
	}
	return nil
}

// Func receives progress updates.
type Func func(percent float64, message string)

// Reporter drops updates that would lower the reported percentage or repeat
// what the caller already shows. It is safe for concurrent use by the
// stages of one export.
type Reporter struct {
	fn     Func
	ranges [numStages]Range

	mu       sync.Mutex
	started  bool
	last     float64
	lastMsg  string
	finished bool
}

// New returns a Reporter calling fn, which may be nil.
func New(fn Func, ranges Ranges) *Reporter {
	return &Reporter{fn: fn, ranges: ranges.byStage()}
}

// Stage reports frac (0-1) of stage s with the stage's default message.
func (r *Reporter) Stage(s Stage, frac float64) {
	msg := ""
	if s >= 0 && s < numStages {
		msg = messages[s]
	}
	r.Report(s, frac, msg)
}

// Report reports frac (0-1) of stage s with msg.
func (r *Reporter) Report(s Stage, frac float64, msg string) {
	if s < 0 || s >= numStages {
		return
	}
	rg := r.ranges[s]
	frac = clamp01(frac)
	r.emit(rg.Start+frac*rg.Weight(), msg)
}

// Done reports exactly 100.
func (r *Reporter) Done() {
	r.emit(100, MsgDone)
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
}

// Last returns the most recent percentage reported.
func (r *Reporter) Last() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reporter) emit(pct float64, msg string) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	pct = math.Round(pct*100) / 100
	// A stage running behind a later one must not pull the message back.
	if r.started && (pct < r.last || pct == r.last && msg == r.lastMsg) {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.last = pct
	r.lastMsg = msg
	fn := r.fn
	// Hold the lock across the callback so concurrent stages deliver updates
	// in the order their values were clamped.
	defer r.mu.Unlock()
	if fn != nil {
		fn(pct, msg)
	}
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f) || f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Fraction returns num/den clamped to 0-1, or 0 when den is not positive.
func Fraction(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return clamp01(float64(num) / float64(den))
}
