package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParameterType identifies the kind of a contract parameter.
type ParameterType string

const (
	SignatureType        ParameterType = "Signature"
	BooleanType          ParameterType = "Boolean"
	IntegerType          ParameterType = "Integer"
	Hash160Type          ParameterType = "Hash160"
	Hash256Type          ParameterType = "Hash256"
	ByteArrayType        ParameterType = "ByteArray"
	PublicKeyType        ParameterType = "PublicKey"
	StringType           ParameterType = "String"
	ArrayType            ParameterType = "Array"
	MapType              ParameterType = "Map"
	InteropInterfaceType ParameterType = "InteropInterface"
	VoidType             ParameterType = "Void"
)

// Parameter is a typed value from a notification's state.
//
// Value holds, by Type:
//
//	String                        string
//	Integer                       *big.Int
//	Boolean                       bool
//	ByteArray, Signature, PublicKey []byte
//	Hash160                       common.Address
//	Hash256                       common.Hash
//	Array                         []Parameter
//	Map                           []MapEntry
//	Void                          nil
//	InteropInterface              opaque runtime handle
type Parameter struct {
	Type  ParameterType
	Value any
}

// MapEntry is one key/value pair of a Map parameter.
type MapEntry struct {
	Key   Parameter
	Value Parameter
}

func NewString(s string) Parameter { return Parameter{Type: StringType, Value: s} }
func NewBoolean(b bool) Parameter { return Parameter{Type: BooleanType, Value: b} }
func NewInteger(i *big.Int) Parameter { return Parameter{Type: IntegerType, Value: i} }
func NewInt64(i int64) Parameter { return NewInteger(big.NewInt(i)) }
func NewByteArray(b []byte) Parameter { return Parameter{Type: ByteArrayType, Value: b} }
func NewSignature(b []byte) Parameter { return Parameter{Type: SignatureType, Value: b} }
func NewPublicKey(b []byte) Parameter { return Parameter{Type: PublicKeyType, Value: b} }
func NewHash160(a common.Address) Parameter { return Parameter{Type: Hash160Type, Value: a} }
func NewHash256(h common.Hash) Parameter { return Parameter{Type: Hash256Type, Value: h} }
func NewArray(items ...Parameter) Parameter {
	return Parameter{Type: ArrayType, Value: items}
}
func NewMap(entries ...MapEntry) Parameter { return Parameter{Type: MapType, Value: entries} }
func NewVoid() Parameter { return Parameter{Type: VoidType} }

// NewInterop wraps a runtime object handle. Such parameters have no wire form.
func NewInterop(handle any) Parameter {
	return Parameter{Type: InteropInterfaceType, Value: handle}
}

// wireParameter is the {"type","value"} form used in commit documents.
type wireParameter struct {
	Type  ParameterType   `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type wireMapEntry struct {
	Key   Parameter `json:"key"`
	Value Parameter `json:"value"`
}

// UnmarshalJSON decodes the {"type": ..., "value": ...} form. ByteArray,
// Signature and PublicKey values are hex strings (with or without 0x);
// Integer values may be JSON numbers or decimal strings.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var w wireParameter
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Parameter{Type: w.Type}
	var err error
	switch w.Type {
	case StringType:
		var s string
		err = json.Unmarshal(w.Value, &s)
		out.Value = s
	case BooleanType:
		var b bool
		err = json.Unmarshal(w.Value, &b)
		out.Value = b
	case IntegerType:
		out.Value, err = decodeInteger(w.Value)
	case ByteArrayType, SignatureType, PublicKeyType:
		out.Value, err = decodeHexValue(w.Value)
	case Hash160Type:
		var s string
		if err = json.Unmarshal(w.Value, &s); err == nil {
			if !common.IsHexAddress(s) {
				err = fmt.Errorf("invalid Hash160 %q", s)
			}
			out.Value = common.HexToAddress(s)
		}
	case Hash256Type:
		var s string
		if err = json.Unmarshal(w.Value, &s); err == nil {
			var b []byte
			if b, err = hexutil.Decode(s); err == nil && len(b) != common.HashLength {
				err = fmt.Errorf("invalid Hash256 length %d", len(b))
			}
			out.Value = common.BytesToHash(b)
		}
	case ArrayType:
		var items []Parameter
		err = json.Unmarshal(w.Value, &items)
		out.Value = items
	case MapType:
		var raw []wireMapEntry
		err = json.Unmarshal(w.Value, &raw)
		entries := make([]MapEntry, 0, len(raw))
		for _, e := range raw {
			entries = append(entries, MapEntry{Key: e.Key, Value: e.Value})
		}
		out.Value = entries
	case VoidType:
	default:
		return fmt.Errorf("unsupported parameter type %q", w.Type)
	}
	if err != nil {
		return fmt.Errorf("parameter %s: %w", w.Type, err)
	}

	*p = out
	return nil
}

func decodeInteger(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		s = n.String()
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return i, nil
}

func decodeHexValue(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if !has0xPrefix(s) {
		s = "0x" + s
	}
	if s == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(s)
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
