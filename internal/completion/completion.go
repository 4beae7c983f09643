// Package completion extracts the structured "done" and "pause" signals a
// driver embeds in its free-text output.
package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

const (
	promiseOpen  = "<promise>"
	promiseClose = "</promise>"
	pauseOpen    = "<pause>"
	pauseClose   = "</pause>"
)

// Compiled Go regexps carry no scan cursor, so one value serves every call.
var (
	promisePattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(promiseOpen) + `(.*?)` + regexp.QuoteMeta(promiseClose))
	pausePattern   = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(pauseOpen) + `(.*?)` + regexp.QuoteMeta(pauseClose))
)

// DetectCompletion returns the body of the first <promise>…</promise> marker.
// An empty body is a valid completion; ok is false only when no marker exists.
func DetectCompletion(text string) (payload string, ok bool) {
	return firstMatch(promisePattern, text)
}

// DetectPause returns the reason inside the first <pause>…</pause> marker.
func DetectPause(text string) (reason string, ok bool) {
	return firstMatch(pausePattern, text)
}

// Promise renders payload as a completion marker
func Promise(payload string) string {
	return promiseOpen + payload + promiseClose
}

// Instruction is appended to every prompt so the driver knows how to signal the outcome
func Instruction() string {
	return fmt.Sprintf("When the task is fully complete, reply with %s followed by the final answer and %s. "+
		"If you need a human to act before continuing, reply with %sthe reason%s.",
		promiseOpen, promiseClose, pauseOpen, pauseClose)
}

func firstMatch(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ResultKind classifies a driver response after normalization
type ResultKind string

const (
	KindText       ResultKind = "text"
	KindStructured ResultKind = "structured"
	KindError      ResultKind = "error"
)

// Result is the closed set of shapes a driver attempt can produce
type Result struct {
	Kind ResultKind
	Text string
	Err  error
}

// ErrDriverFailed marks a response the driver itself reported as unsuccessful
var ErrDriverFailed = errors.New("driver reported failure")

// Normalize collapses a driver payload into a Result. data may be a JSON
// string, any other JSON value, or empty; errMsg is the driver's error text.
func Normalize(success bool, data json.RawMessage, errMsg string) Result {
	if !success {
		if errMsg == "" {
			errMsg = "unknown error"
		}
		return Result{Kind: KindError, Err: fmt.Errorf("%w: %s", ErrDriverFailed, errMsg)}
	}
	if len(data) == 0 || string(data) == "null" {
		return Result{Kind: KindText}
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return Result{Kind: KindText, Text: s}
	}
	return Result{Kind: KindStructured, Text: string(data)}
}
