// Package types provides common SNMP types and constants shared by the
// request engine, the object directory and the managed-object handlers.
package types

import (
	"fmt"
)

// Version identifies the SNMP message version of an operation.
type Version int

// SNMP version constants
const (
	VersionSNMPv1  Version = 0
	VersionSNMPv2c Version = 1
	VersionSNMPv3  Version = 3
)

// String returns the human-readable name of an SNMP version.
func (v Version) String() string {
	switch v {
	case VersionSNMPv1:
		return "SNMPv1"
	case VersionSNMPv2c:
		return "SNMPv2c"
	case VersionSNMPv3:
		return "SNMPv3"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// PDUType identifies the protocol operation carried by a request.
type PDUType int

// SNMP PDU type constants
const (
	PDUTypeGetRequest     PDUType = 0
	PDUTypeGetNextRequest PDUType = 1
	PDUTypeGetResponse    PDUType = 2
	PDUTypeSetRequest     PDUType = 3
	PDUTypeGetBulkRequest PDUType = 5
	PDUTypeInformRequest  PDUType = 6
	PDUTypeTrapV2         PDUType = 7
	PDUTypeReport         PDUType = 8
)

// String returns the human-readable name of a PDU type.
func (p PDUType) String() string {
	switch p {
	case PDUTypeGetRequest:
		return "GetRequest"
	case PDUTypeGetNextRequest:
		return "GetNextRequest"
	case PDUTypeGetResponse:
		return "GetResponse"
	case PDUTypeSetRequest:
		return "SetRequest"
	case PDUTypeGetBulkRequest:
		return "GetBulkRequest"
	case PDUTypeInformRequest:
		return "InformRequest"
	case PDUTypeTrapV2:
		return "TrapV2"
	case PDUTypeReport:
		return "Report"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// IsRead reports whether the PDU type is a retrieval operation.
func (p PDUType) IsRead() bool {
	return p == PDUTypeGetRequest || p == PDUTypeGetNextRequest || p == PDUTypeGetBulkRequest
}

// IsNotification reports whether the PDU type is a notification.
func (p PDUType) IsNotification() bool {
	return p == PDUTypeInformRequest || p == PDUTypeTrapV2 || p == PDUTypeReport
}
