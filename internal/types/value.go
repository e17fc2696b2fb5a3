package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/geekxflood/proteus/internal/oid"
)

// Syntax is the ASN.1 tag of a variable value.
type Syntax int

// SNMP data type constants
const (
	SyntaxInteger          Syntax = 0x02
	SyntaxOctetString      Syntax = 0x04
	SyntaxNull             Syntax = 0x05
	SyntaxObjectIdentifier Syntax = 0x06
	SyntaxIPAddress        Syntax = 0x40
	SyntaxCounter32        Syntax = 0x41
	SyntaxGauge32          Syntax = 0x42
	SyntaxTimeTicks        Syntax = 0x43
	SyntaxOpaque           Syntax = 0x44
	SyntaxCounter64        Syntax = 0x46
	SyntaxNoSuchObject     Syntax = 0x80
	SyntaxNoSuchInstance   Syntax = 0x81
	SyntaxEndOfMibView     Syntax = 0x82
)

var syntaxNames = map[Syntax]string{
	SyntaxInteger:          "INTEGER",
	SyntaxOctetString:      "OCTET STRING",
	SyntaxNull:             "NULL",
	SyntaxObjectIdentifier: "OBJECT IDENTIFIER",
	SyntaxIPAddress:        "IpAddress",
	SyntaxCounter32:        "Counter32",
	SyntaxGauge32:          "Gauge32",
	SyntaxTimeTicks:        "TimeTicks",
	SyntaxOpaque:           "Opaque",
	SyntaxCounter64:        "Counter64",
	SyntaxNoSuchObject:     "noSuchObject",
	SyntaxNoSuchInstance:   "noSuchInstance",
	SyntaxEndOfMibView:     "endOfMibView",
}

// String returns the human-readable name of the syntax.
func (s Syntax) String() string {
	if name, ok := syntaxNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(s))
}

// ParseSyntax resolves a syntax from its name as returned by String.
func ParseSyntax(name string) (Syntax, error) {
	for s, n := range syntaxNames {
		if n == name {
			return s, nil
		}
	}
	switch name {
	case "Integer", "Integer32":
		return SyntaxInteger, nil
	case "OctetString":
		return SyntaxOctetString, nil
	case "ObjectIdentifier":
		return SyntaxObjectIdentifier, nil
	}
	return 0, fmt.Errorf("unknown syntax %q", name)
}

// IsException reports whether the syntax is one of the out-of-band markers
// used during traversal instead of a value.
func (s Syntax) IsException() bool {
	return s == SyntaxNoSuchObject || s == SyntaxNoSuchInstance || s == SyntaxEndOfMibView
}

// Variable is a typed value. Value holds int64 for Integer, []byte for
// OctetString and Opaque, oid.OID for ObjectIdentifier, net.IP for IpAddress,
// uint32 for Counter32, Gauge32 and TimeTicks, uint64 for Counter64 and nil
// for Null and the exception markers.
type Variable struct {
	Syntax Syntax
	Value  any
}

// Exception markers.
var (
	NoSuchObject   = Variable{Syntax: SyntaxNoSuchObject}
	NoSuchInstance = Variable{Syntax: SyntaxNoSuchInstance}
	EndOfMibView   = Variable{Syntax: SyntaxEndOfMibView}
	Null           = Variable{Syntax: SyntaxNull}
)

// Integer returns an INTEGER variable.
func Integer(v int64) Variable { return Variable{Syntax: SyntaxInteger, Value: v} }

// OctetString returns an OCTET STRING variable.
func OctetString(v string) Variable {
	return Variable{Syntax: SyntaxOctetString, Value: []byte(v)}
}

// ObjectIdentifier returns an OBJECT IDENTIFIER variable.
func ObjectIdentifier(v oid.OID) Variable {
	return Variable{Syntax: SyntaxObjectIdentifier, Value: v.Clone()}
}

// Counter32 returns a Counter32 variable.
func Counter32(v uint32) Variable { return Variable{Syntax: SyntaxCounter32, Value: v} }

// Gauge32 returns a Gauge32 variable.
func Gauge32(v uint32) Variable { return Variable{Syntax: SyntaxGauge32, Value: v} }

// TimeTicks returns a TimeTicks variable.
func TimeTicks(v uint32) Variable { return Variable{Syntax: SyntaxTimeTicks, Value: v} }

// Counter64 returns a Counter64 variable.
func Counter64(v uint64) Variable { return Variable{Syntax: SyntaxCounter64, Value: v} }

// IsException reports whether the variable is an exception marker.
func (v Variable) IsException() bool {
	return v.Syntax.IsException()
}

// Int returns the value as int64 for INTEGER variables.
func (v Variable) Int() (int64, bool) {
	i, ok := v.Value.(int64)
	return i, ok
}

// Equal reports whether both variables have the same syntax and value.
func (v Variable) Equal(other Variable) bool {
	if v.Syntax != other.Syntax {
		return false
	}
	return v.String() == other.String()
}

// String returns a string representation of the value.
func (v Variable) String() string {
	switch val := v.Value.(type) {
	case nil:
		if v.Syntax == SyntaxNull {
			return "null"
		}
		return v.Syntax.String()
	case []byte:
		return string(val)
	case oid.OID:
		return val.String()
	case net.IP:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ParseVariable builds a variable of the given syntax from its string form,
// the inverse of String for every syntax except Opaque.
func ParseVariable(syntax Syntax, s string) (Variable, error) {
	switch syntax {
	case SyntaxInteger:
		i, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return Variable{}, fmt.Errorf("invalid INTEGER %q: %w", s, err)
		}
		return Integer(i), nil
	case SyntaxOctetString:
		return OctetString(s), nil
	case SyntaxObjectIdentifier:
		o, err := oid.Parse(s)
		if err != nil {
			return Variable{}, err
		}
		return ObjectIdentifier(o), nil
	case SyntaxIPAddress:
		ip := net.ParseIP(s).To4()
		if ip == nil {
			return Variable{}, fmt.Errorf("invalid IpAddress %q", s)
		}
		return Variable{Syntax: SyntaxIPAddress, Value: ip}, nil
	case SyntaxCounter32, SyntaxGauge32, SyntaxTimeTicks:
		u, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Variable{}, fmt.Errorf("invalid %s %q: %w", syntax, s, err)
		}
		return Variable{Syntax: syntax, Value: uint32(u)}, nil
	case SyntaxCounter64:
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Variable{}, fmt.Errorf("invalid Counter64 %q: %w", s, err)
		}
		return Counter64(u), nil
	case SyntaxNull, SyntaxNoSuchObject, SyntaxNoSuchInstance, SyntaxEndOfMibView:
		return Variable{Syntax: syntax}, nil
	default:
		return Variable{}, fmt.Errorf("cannot parse value of syntax %s", syntax)
	}
}

type variableJSON struct {
	Syntax Syntax `json:"syntax"`
	Value  string `json:"value,omitempty"`
}

// MarshalJSON encodes the variable with an explicit syntax so the value type
// survives a round trip.
func (v Variable) MarshalJSON() ([]byte, error) {
	out := variableJSON{Syntax: v.Syntax}
	switch {
	case v.Syntax == SyntaxOpaque:
		b, _ := v.Value.([]byte)
		out.Value = base64.StdEncoding.EncodeToString(b)
	case v.Value != nil:
		out.Value = v.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a variable written by MarshalJSON.
func (v *Variable) UnmarshalJSON(data []byte) error {
	var in variableJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Syntax == SyntaxOpaque {
		b, err := base64.StdEncoding.DecodeString(in.Value)
		if err != nil {
			return fmt.Errorf("invalid Opaque value: %w", err)
		}
		*v = Variable{Syntax: SyntaxOpaque, Value: b}
		return nil
	}
	parsed, err := ParseVariable(in.Syntax, in.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// VarBind is a variable binding: an identifier with its value or exception.
type VarBind struct {
	OID      oid.OID
	Variable Variable
}

// String renders the binding as "oid = syntax: value".
func (vb VarBind) String() string {
	return fmt.Sprintf("%s = %s: %s", vb.OID, vb.Variable.Syntax, vb.Variable)
}
