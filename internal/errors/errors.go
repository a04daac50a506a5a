package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by what the sync machinery should do with it.
type Kind string

const (
	// KindTransient errors are worth retrying later: timeouts, lost connectivity, 5xx.
	KindTransient Kind = "transient"
	// KindRejected errors were refused by the backend (validation, authorization) and
	// must not be retried.
	KindRejected Kind = "rejected"
	// KindStorage errors come from local persistence.
	KindStorage Kind = "storage"
)

// Error represents a universal error type between the daemon's layers.
type Error struct {
	Kind    Kind
	Status  int
	Err     error // The error this wraps
	Details []Detail
}

type Detail struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%d (%s): %s", e.Status, e.kind(), e.Err)
	}
	return fmt.Sprintf("%d (%s): %s, details: %v", e.Status, e.kind(), e.Err, e.Details)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// kind falls back to the status code when no kind was given explicitly.
func (e *Error) kind() Kind {
	if e.Kind != "" {
		return e.Kind
	}

	switch {
	case e.Status == http.StatusRequestTimeout,
		e.Status == http.StatusTooManyRequests,
		e.Status >= http.StatusInternalServerError:
		return KindTransient
	case e.Status >= http.StatusBadRequest:
		return KindRejected
	}
	return KindTransient
}

type transport struct {
	Message string   `json:"message"`
	Details []Detail `json:"details"`
	Status  int      `json:"status"`
	Kind    Kind     `json:"kind"`
}

func (s *Error) MarshalJSON() ([]byte, error) {
	msg := ""
	if s.Err != nil {
		msg = s.Err.Error()
	}

	return json.Marshal(transport{
		Message: msg,
		Details: s.Details,
		Status:  s.Status,
		Kind:    s.kind(),
	})
}

func (s *Error) UnmarshalJSON(byts []byte) error {
	t := transport{}
	if err := json.Unmarshal(byts, &t); err != nil {
		return err
	}

	s.Err = errors.New(t.Message)
	s.Details = t.Details
	s.Status = t.Status
	s.Kind = t.Kind
	return nil
}

// E builds an [Error] out of whatever it's given: a string or error becomes the
// wrapped error, an int the status, a Kind the kind, and Details are appended.
func E(args ...any) *Error {
	ret := &Error{
		Status:  http.StatusInternalServerError,
		Err:     nil,
		Details: nil,
	}

	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			ret.Err = errors.New(arg)
		case error:
			ret.Err = arg
		case int:
			ret.Status = arg
		case Kind:
			ret.Kind = arg
		case Detail:
			ret.Details = append(ret.Details, arg)
		case []Detail:
			ret.Details = append(ret.Details, arg...)
		}
	}

	return ret
}

// KindOf reports the kind of err.
//
// Anything that isn't an [Error] is considered transient: an unknown failure is
// retried rather than thrown away.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind()
	}

	return KindTransient
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

func IsRejected(err error) bool {
	return err != nil && KindOf(err) == KindRejected
}
