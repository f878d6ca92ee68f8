package acldata

// Code is the closed status vocabulary spec.md's error handling design is
// built on. It's represented as a small comparable enum rather than wrapped
// errors, since callers need to branch on it (ReserveSendCredit turning
// ResourceExhausted into a nil credit, SendAcl mapping straight to one of
// these) and a fixed set of outcomes doesn't benefit from pkg/errors'
// stack-annotation machinery.
type Code int

const (
	OK Code = iota
	ResourceExhausted
	AlreadyExists
	NotFound
	InvalidArgument
	FailedPrecondition
	OutOfRange
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ResourceExhausted:
		return "resource exhausted"
	case AlreadyExists:
		return "already exists"
	case NotFound:
		return "not found"
	case InvalidArgument:
		return "invalid argument"
	case FailedPrecondition:
		return "failed precondition"
	case OutOfRange:
		return "out of range"
	default:
		return "unknown status"
	}
}

// Status pairs a Code with a human-readable detail, and implements error so
// it composes with the rest of the ecosystem (errors.Is/As, %w wrapping).
type Status struct {
	Code Code
	Msg  string
}

func (s Status) Error() string {
	if s.Msg == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Msg
}

// Ok reports whether the status represents success.
func (s Status) Ok() bool { return s.Code == OK }

func statusf(code Code, msg string) Status { return Status{Code: code, Msg: msg} }
