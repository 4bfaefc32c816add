package main

import (
	"encoding/json"
	"io"

	"github.com/JonMunkholm/importpipe/internal/core"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// userError prefixes err with its support code for terminal output.
func userError(err error) error {
	if err == nil || !core.IsUserFacing(err) {
		return err
	}
	return &cliError{err: err, msg: core.FormatUserError(err)}
}

type cliError struct {
	err error
	msg string
}

func (e *cliError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }
