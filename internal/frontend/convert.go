// Package frontend connects the request engine to the network: it maps
// decoded SNMP packets onto operation descriptors, maps responses back and
// serves them over UDP.
package frontend

import (
	"fmt"
	"net"

	"github.com/gosnmp/gosnmp"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

var pduTypes = map[gosnmp.PDUType]types.PDUType{
	gosnmp.GetRequest:     types.PDUTypeGetRequest,
	gosnmp.GetNextRequest: types.PDUTypeGetNextRequest,
	gosnmp.GetResponse:    types.PDUTypeGetResponse,
	gosnmp.SetRequest:     types.PDUTypeSetRequest,
	gosnmp.GetBulkRequest: types.PDUTypeGetBulkRequest,
	gosnmp.InformRequest:  types.PDUTypeInformRequest,
	gosnmp.SNMPv2Trap:     types.PDUTypeTrapV2,
	gosnmp.Report:         types.PDUTypeReport,
}

func toVersion(v gosnmp.SnmpVersion) (types.Version, error) {
	switch v {
	case gosnmp.Version1:
		return types.VersionSNMPv1, nil
	case gosnmp.Version2c:
		return types.VersionSNMPv2c, nil
	default:
		return 0, fmt.Errorf("unsupported SNMP version %s", v)
	}
}

// ToOperation builds the operation descriptor of a decoded request packet.
// maxResponseSize is the byte budget left for variable bindings.
func ToOperation(pkt *gosnmp.SnmpPacket, context string, maxResponseSize int) (*types.Operation, error) {
	version, err := toVersion(pkt.Version)
	if err != nil {
		return nil, err
	}
	pdu, ok := pduTypes[pkt.PDUType]
	if !ok {
		return nil, fmt.Errorf("%w: PDU type %s", types.ErrInvalidOperation, pkt.PDUType)
	}

	op := &types.Operation{
		Version:         version,
		PDUType:         pdu,
		Context:         []byte(context),
		RequestID:       int32(pkt.RequestID),
		MaxResponseSize: maxResponseSize,
		VarBinds:        make([]types.VarBind, len(pkt.Variables)),
	}
	if pdu == types.PDUTypeGetBulkRequest {
		op.NonRepeaters = int(pkt.NonRepeaters)
		op.MaxRepetitions = int(pkt.MaxRepetitions)
	}

	for i, v := range pkt.Variables {
		o, err := oid.Parse(v.Name)
		if err != nil {
			return nil, fmt.Errorf("variable binding %d: %w", i+1, err)
		}
		value := types.Null
		if pdu == types.PDUTypeSetRequest {
			if value, err = toVariable(v); err != nil {
				return nil, fmt.Errorf("variable binding %d: %w", i+1, err)
			}
		}
		op.VarBinds[i] = types.VarBind{OID: o, Variable: value}
	}
	return op, nil
}

// ResponsePacket builds the response to req.
func ResponsePacket(req *gosnmp.SnmpPacket, resp *types.Response) (*gosnmp.SnmpPacket, error) {
	out := &gosnmp.SnmpPacket{
		Version:    req.Version,
		Community:  req.Community,
		PDUType:    gosnmp.GetResponse,
		RequestID:  req.RequestID,
		Error:      gosnmp.SNMPError(resp.ErrorStatus),
		ErrorIndex: uint8(min(resp.ErrorIndex, 255)),
		Variables:  make([]gosnmp.SnmpPDU, len(resp.VarBinds)),
	}
	for i, vb := range resp.VarBinds {
		pdu, err := fromVarBind(vb)
		if err != nil {
			return nil, fmt.Errorf("variable binding %d: %w", i+1, err)
		}
		out.Variables[i] = pdu
	}
	return out, nil
}

func toVariable(v gosnmp.SnmpPDU) (types.Variable, error) {
	switch v.Type {
	case gosnmp.Integer:
		return types.Integer(gosnmp.ToBigInt(v.Value).Int64()), nil
	case gosnmp.OctetString:
		b, ok := v.Value.([]byte)
		if !ok {
			return types.Variable{}, fmt.Errorf("unexpected OCTET STRING value %T", v.Value)
		}
		return types.Variable{Syntax: types.SyntaxOctetString, Value: append([]byte(nil), b...)}, nil
	case gosnmp.ObjectIdentifier:
		s, ok := v.Value.(string)
		if !ok {
			return types.Variable{}, fmt.Errorf("unexpected OBJECT IDENTIFIER value %T", v.Value)
		}
		o, err := oid.Parse(s)
		if err != nil {
			return types.Variable{}, err
		}
		return types.ObjectIdentifier(o), nil
	case gosnmp.IPAddress:
		s, ok := v.Value.(string)
		if !ok {
			return types.Variable{}, fmt.Errorf("unexpected IpAddress value %T", v.Value)
		}
		return types.ParseVariable(types.SyntaxIPAddress, s)
	case gosnmp.Counter32:
		return types.Counter32(uint32(gosnmp.ToBigInt(v.Value).Uint64())), nil
	case gosnmp.Gauge32:
		return types.Gauge32(uint32(gosnmp.ToBigInt(v.Value).Uint64())), nil
	case gosnmp.TimeTicks:
		return types.TimeTicks(uint32(gosnmp.ToBigInt(v.Value).Uint64())), nil
	case gosnmp.Counter64:
		return types.Counter64(gosnmp.ToBigInt(v.Value).Uint64()), nil
	case gosnmp.Opaque:
		b, _ := v.Value.([]byte)
		return types.Variable{Syntax: types.SyntaxOpaque, Value: append([]byte(nil), b...)}, nil
	case gosnmp.Null:
		return types.Null, nil
	default:
		return types.Variable{}, fmt.Errorf("unsupported value type %s", v.Type)
	}
}

func fromVarBind(vb types.VarBind) (gosnmp.SnmpPDU, error) {
	pdu := gosnmp.SnmpPDU{Name: "." + vb.OID.String()}
	v := vb.Variable

	switch v.Syntax {
	case types.SyntaxInteger:
		i, _ := v.Int()
		pdu.Type, pdu.Value = gosnmp.Integer, int(i)
	case types.SyntaxOctetString:
		pdu.Type, pdu.Value = gosnmp.OctetString, v.Value
	case types.SyntaxObjectIdentifier:
		o, _ := v.Value.(oid.OID)
		pdu.Type, pdu.Value = gosnmp.ObjectIdentifier, "."+o.String()
	case types.SyntaxIPAddress:
		ip, _ := v.Value.(net.IP)
		pdu.Type, pdu.Value = gosnmp.IPAddress, ip.String()
	case types.SyntaxCounter32:
		pdu.Type, pdu.Value = gosnmp.Counter32, v.Value
	case types.SyntaxGauge32:
		pdu.Type, pdu.Value = gosnmp.Gauge32, v.Value
	case types.SyntaxTimeTicks:
		pdu.Type, pdu.Value = gosnmp.TimeTicks, v.Value
	case types.SyntaxCounter64:
		pdu.Type, pdu.Value = gosnmp.Counter64, v.Value
	case types.SyntaxOpaque:
		pdu.Type, pdu.Value = gosnmp.Opaque, v.Value
	case types.SyntaxNull, 0:
		pdu.Type = gosnmp.Null
	case types.SyntaxNoSuchObject:
		pdu.Type = gosnmp.NoSuchObject
	case types.SyntaxNoSuchInstance:
		pdu.Type = gosnmp.NoSuchInstance
	case types.SyntaxEndOfMibView:
		pdu.Type = gosnmp.EndOfMibView
	default:
		return pdu, fmt.Errorf("unsupported syntax %s", v.Syntax)
	}
	return pdu, nil
}

// Overhead returns the encoded size of an empty response to req, the part of
// the message budget not available to variable bindings.
func Overhead(req *gosnmp.SnmpPacket) (int, error) {
	empty, err := ResponsePacket(req, &types.Response{})
	if err != nil {
		return 0, err
	}
	b, err := empty.MarshalMsg()
	if err != nil {
		return 0, fmt.Errorf("failed to encode empty response: %w", err)
	}
	// error-status and error-index may grow by a byte each once set.
	return len(b) + 2, nil
}
