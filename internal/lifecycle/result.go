package lifecycle

import (
	"errors"

	"pidline/internal/domain"
	"pidline/internal/registration"
)

// Kind classifies a failed Result.
type Kind string

const (
	KindConfig       Kind = "config"
	KindPrecondition Kind = "precondition"
	KindTransport    Kind = "transport"
	KindRejected     Kind = "rejected"
	KindBusy         Kind = "busy"
	KindInternal     Kind = "internal"
	// KindUnreconciled means the endpoint accepted a create that could not
	// be stored locally. Resubmitting would collide with the registered
	// identifier, so an operator has to reconcile it.
	KindUnreconciled Kind = "unreconciled"
)

// Terminal reports whether retrying the same request cannot help without
// operator action.
func (k Kind) Terminal() bool {
	return k == KindConfig || k == KindPrecondition || k == KindUnreconciled
}

// Result is the outcome of one lifecycle invocation. Expected failures are
// carried here rather than as errors.
type Result struct {
	OK         bool                   `json:"ok"`
	Action     domain.Action          `json:"action"`
	Message    string                 `json:"message"`
	Kind       Kind                   `json:"kind,omitempty"`
	Retryable  bool                   `json:"retryable"`
	Identifier string                 `json:"identifier,omitempty"`
	State      domain.IdentifierState `json:"state,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
}

func (r Result) outcome() string {
	if r.OK {
		return "ok"
	}
	return string(r.Kind)
}

func failure(kind Kind, msg string) Result {
	return Result{Kind: kind, Message: msg, Retryable: !kind.Terminal()}
}

func internalFailure(err error) Result {
	return failure(KindInternal, err.Error())
}

func registrationFailure(err error) Result {
	var re *registration.Error
	if !errors.As(err, &re) {
		return internalFailure(err)
	}
	res := Result{Message: re.Error(), Retryable: re.Retryable(), StatusCode: re.StatusCode}
	switch re.Kind {
	case registration.KindTransport:
		res.Kind = KindTransport
	case registration.KindRejected:
		res.Kind = KindRejected
	default:
		res.Kind = KindInternal
	}
	return res
}
