package agent

import "strings"

// Outcome is the classification of one agent attempt.
type Outcome int

const (
	// OutcomeSuccess means the agent exited cleanly with no fatal sentinel.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient means the attempt failed in a retryable way.
	OutcomeTransient
	// OutcomeFatal means retrying cannot help (auth failure, quota, ...).
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// fatalMarkers are substrings in agent output that mark an attempt as
// unrecoverable. This is a heuristic over the captured tails; classification
// happens once per attempt and is never downgraded.
var fatalMarkers = []string{
	"FATAL:",
	"fatal error",
	"authentication failed",
	"invalid api key",
	"invalid credentials",
	"permission denied",
	"quota exceeded",
	"billing hard limit",
}

// Classify maps one attempt result onto the retry policy. A timeout or a
// plain non-zero exit is transient; a fatal sentinel in either stream wins
// over the exit code.
func Classify(res *Result) Outcome {
	combined := strings.ToLower(res.StderrTail + "\n" + res.StdoutTail)
	for _, marker := range fatalMarkers {
		if strings.Contains(combined, strings.ToLower(marker)) {
			return OutcomeFatal
		}
	}
	if res.TimedOut {
		return OutcomeTransient
	}
	if res.ExitCode == 0 {
		return OutcomeSuccess
	}
	return OutcomeTransient
}
