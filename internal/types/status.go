package types

import "fmt"

// ErrorStatus is the closed set of protocol error codes a response carries.
type ErrorStatus int

// SNMP error status constants
const (
	ErrorStatusNoError             ErrorStatus = 0
	ErrorStatusTooBig              ErrorStatus = 1
	ErrorStatusNoSuchName          ErrorStatus = 2
	ErrorStatusBadValue            ErrorStatus = 3
	ErrorStatusReadOnly            ErrorStatus = 4
	ErrorStatusGenErr              ErrorStatus = 5
	ErrorStatusNoAccess            ErrorStatus = 6
	ErrorStatusWrongType           ErrorStatus = 7
	ErrorStatusWrongLength         ErrorStatus = 8
	ErrorStatusWrongEncoding       ErrorStatus = 9
	ErrorStatusWrongValue          ErrorStatus = 10
	ErrorStatusNoCreation          ErrorStatus = 11
	ErrorStatusInconsistentValue   ErrorStatus = 12
	ErrorStatusResourceUnavailable ErrorStatus = 13
	ErrorStatusCommitFailed        ErrorStatus = 14
	ErrorStatusUndoFailed          ErrorStatus = 15
	ErrorStatusAuthorizationError  ErrorStatus = 16
	ErrorStatusNotWritable         ErrorStatus = 17
	ErrorStatusInconsistentName    ErrorStatus = 18
)

var errorStatusNames = [...]string{
	"noError",
	"tooBig",
	"noSuchName",
	"badValue",
	"readOnly",
	"genErr",
	"noAccess",
	"wrongType",
	"wrongLength",
	"wrongEncoding",
	"wrongValue",
	"noCreation",
	"inconsistentValue",
	"resourceUnavailable",
	"commitFailed",
	"undoFailed",
	"authorizationError",
	"notWritable",
	"inconsistentName",
}

// String returns the RFC 3416 name of the status.
func (s ErrorStatus) String() string {
	if s.Valid() {
		return errorStatusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Valid reports whether s belongs to the enumeration.
func (s ErrorStatus) Valid() bool {
	return s >= ErrorStatusNoError && s <= ErrorStatusInconsistentName
}

// IsError reports whether s is anything but noError.
func (s ErrorStatus) IsError() bool {
	return s != ErrorStatusNoError
}

// ToV1 maps a status onto the smaller SNMPv1 vocabulary. Access and naming
// errors collapse to noSuchName, value errors to badValue and resource or
// commit errors to genErr.
func (s ErrorStatus) ToV1() ErrorStatus {
	switch s {
	case ErrorStatusNoError, ErrorStatusTooBig, ErrorStatusNoSuchName,
		ErrorStatusBadValue, ErrorStatusReadOnly, ErrorStatusGenErr:
		return s
	case ErrorStatusNoAccess, ErrorStatusNotWritable, ErrorStatusNoCreation,
		ErrorStatusInconsistentName, ErrorStatusAuthorizationError:
		return ErrorStatusNoSuchName
	case ErrorStatusWrongType, ErrorStatusWrongLength, ErrorStatusWrongEncoding,
		ErrorStatusWrongValue, ErrorStatusInconsistentValue:
		return ErrorStatusBadValue
	default:
		return ErrorStatusGenErr
	}
}
