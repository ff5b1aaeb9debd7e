package pva

import "fmt"

type StatusType uint8

const (
	StatusOK      StatusType = 0
	StatusWarning StatusType = 1
	StatusError   StatusType = 2
	StatusFatal   StatusType = 3
)

func (t StatusType) String() string {
	switch t {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusFatal:
		return "FATAL"
	}
	return fmt.Sprintf("STATUS_%d", uint8(t))
}

// Status is the result carried by replies. The zero value is Ok.
type Status struct {
	Type    StatusType
	Message string
	Trace   string
}

func (s Status) IsOK() bool { return s.Type == StatusOK }

func (s Status) String() string {
	if s.Message == "" {
		return s.Type.String()
	}
	return s.Type.String() + ": " + s.Message
}

func ErrorStatus(format string, v ...any) Status {
	return Status{Type: StatusError, Message: fmt.Sprintf(format, v...)}
}

func FatalStatus(format string, v ...any) Status {
	return Status{Type: StatusFatal, Message: fmt.Sprintf(format, v...)}
}
