package types

import "github.com/geekxflood/proteus/internal/oid"

// EncodedLen returns the number of bytes the binding occupies once BER
// encoded inside a PDU's variable-bindings list.
func (vb VarBind) EncodedLen() int {
	return tlvLen(tlvLen(oidContentLen(vb.OID)) + tlvLen(valueContentLen(vb.Variable)))
}

func tlvLen(content int) int {
	return 1 + lengthLen(content) + content
}

func lengthLen(n int) int {
	if n < 0x80 {
		return 1
	}
	l := 1
	for n > 0 {
		l++
		n >>= 8
	}
	return l
}

func base128Len(v uint64) int {
	l := 1
	for v >= 0x80 {
		l++
		v >>= 7
	}
	return l
}

func oidContentLen(o oid.OID) int {
	switch len(o) {
	case 0:
		return 1
	case 1:
		return base128Len(uint64(o[0]) * 40)
	}
	n := base128Len(uint64(o[0])*40 + uint64(o[1]))
	for _, v := range o[2:] {
		n += base128Len(uint64(v))
	}
	return n
}

func signedLen(v int64) int {
	n := 1
	for v > 127 || v < -128 {
		n++
		v >>= 8
	}
	return n
}

func unsignedLen(v uint64) int {
	n := 1
	for v > 127 {
		n++
		v >>= 8
	}
	return n
}

func valueContentLen(v Variable) int {
	switch val := v.Value.(type) {
	case int64:
		return signedLen(val)
	case uint32:
		return unsignedLen(uint64(val))
	case uint64:
		return unsignedLen(val)
	case []byte:
		return len(val)
	case oid.OID:
		return oidContentLen(val)
	}
	if v.Syntax == SyntaxIPAddress {
		return 4
	}
	return 0
}
