// Package failure reduces errors and remote failure bodies to a single
// root-cause message suitable for audit rows and checkpoint context.
package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RootCause classifies a failure. Priority:
//  1. err: the innermost cause's message, else the outermost message, else a trace dump;
//  2. a structured body, serialized as JSON;
//  3. a []byte or string body, returned as-is.
//
// It never panics; a body that cannot be serialized is reported in its place.
func RootCause(err error, body any) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("unclassifiable failure: %v", r)
		}
	}()

	if err != nil {
		return fromError(err)
	}
	switch b := body.(type) {
	case nil:
		return ""
	case string:
		return b
	case []byte:
		return string(b)
	case json.RawMessage:
		return string(b)
	default:
		out, jerr := json.Marshal(b)
		if jerr != nil {
			return "unserializable failure body: " + jerr.Error()
		}
		return string(out)
	}
}

func fromError(err error) string {
	chain := Chain(err)
	if m := chain[len(chain)-1].Error(); strings.TrimSpace(m) != "" {
		return m
	}
	if m := err.Error(); strings.TrimSpace(m) != "" {
		return m
	}
	return Dump(err)
}

// Chain returns err followed by each wrapped cause. For joined errors only the
// first branch is followed.
func Chain(err error) []error {
	var out []error
	seen := map[error]bool{}
	for err != nil {
		if isComparable(err) {
			if seen[err] {
				break
			}
			seen[err] = true
		}
		out = append(out, err)
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 {
				return out
			}
			err = errs[0]
		default:
			err = errors.Unwrap(err)
		}
	}
	return out
}

// Dump renders the full cause chain with concrete types.
func Dump(err error) string {
	var b strings.Builder
	for i, e := range Chain(err) {
		if i > 0 {
			b.WriteString("\ncaused by: ")
		}
		fmt.Fprintf(&b, "%T: %+v", e, e)
	}
	return b.String()
}

func isComparable(err error) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_ = map[error]bool{err: true}
	return true
}
