package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/web3ekko/ekko-ce/relay/pkg/ledger"
)

// MaxNestingDepth bounds how deeply Array and Map parameters may nest.
const MaxNestingDepth = 16

var (
	// ErrUnrepresentable is returned for parameter kinds with no wire form.
	ErrUnrepresentable = errors.New("parameter kind has no wire representation")
	// ErrValueMismatch is returned when a parameter's value does not match its kind.
	ErrValueMismatch = errors.New("parameter value does not match its kind")
	// ErrTooDeep is returned when nesting exceeds MaxNestingDepth.
	ErrTooDeep = errors.New("parameter nesting too deep")
	// ErrInvalidUTF8 is returned for String parameters that are not valid UTF-8.
	ErrInvalidUTF8 = errors.New("string is not valid utf-8")
)

// Param is the wire form of one typed parameter.
type Param struct {
	Type  ledger.ParameterType `json:"type"`
	Value json.RawMessage      `json:"value,omitempty"`
}

// MapParam is the wire form of one Map entry.
type MapParam struct {
	Key   Param `json:"key"`
	Value Param `json:"value"`
}

// EncodeParameter renders a single parameter.
func EncodeParameter(p ledger.Parameter) (Param, error) {
	return encodeParam(p, "value", 0)
}

func encodeParam(p ledger.Parameter, path string, depth int) (Param, error) {
	if depth > MaxNestingDepth {
		return Param{}, &paramError{path: path, kind: p.Type, err: ErrTooDeep}
	}

	var (
		v   any
		err error
	)
	switch p.Type {
	case ledger.StringType:
		v, err = encodeString(p.Value)
	case ledger.IntegerType:
		v, err = encodeInteger(p.Value)
	case ledger.BooleanType:
		v, err = encodeBoolean(p.Value)
	case ledger.ByteArrayType, ledger.SignatureType, ledger.PublicKeyType:
		v, err = encodeBytes(p.Value)
	case ledger.Hash160Type:
		v, err = encodeHash160(p.Value)
	case ledger.Hash256Type:
		v, err = encodeHash256(p.Value)
	case ledger.ArrayType:
		items, ok := p.Value.([]ledger.Parameter)
		if !ok && p.Value != nil {
			err = ErrValueMismatch
			break
		}
		out := make([]Param, 0, len(items))
		for i, item := range items {
			enc, err := encodeParam(item, fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return Param{}, err
			}
			out = append(out, enc)
		}
		v = out
	case ledger.MapType:
		entries, ok := p.Value.([]ledger.MapEntry)
		if !ok && p.Value != nil {
			err = ErrValueMismatch
			break
		}
		out := make([]MapParam, 0, len(entries))
		for i, e := range entries {
			key, err := encodeParam(e.Key, fmt.Sprintf("%s[%d].key", path, i), depth+1)
			if err != nil {
				return Param{}, err
			}
			val, err := encodeParam(e.Value, fmt.Sprintf("%s[%d].value", path, i), depth+1)
			if err != nil {
				return Param{}, err
			}
			out = append(out, MapParam{Key: key, Value: val})
		}
		v = out
	case ledger.VoidType:
		return Param{Type: p.Type}, nil
	default:
		// InteropInterface and unknown kinds.
		err = ErrUnrepresentable
	}
	if err != nil {
		return Param{}, &paramError{path: path, kind: p.Type, err: err}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return Param{}, &paramError{path: path, kind: p.Type, err: err}
	}
	return Param{Type: p.Type, Value: raw}, nil
}

func encodeString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", ErrValueMismatch
	}
	if !utf8.ValidString(s) {
		return "", ErrInvalidUTF8
	}
	return s, nil
}

// encodeInteger renders integers as decimal strings so values beyond 2^53
// survive JSON consumers.
func encodeInteger(v any) (string, error) {
	switch i := v.(type) {
	case *big.Int:
		if i == nil {
			return "0", nil
		}
		return i.String(), nil
	case nil:
		return "0", nil
	default:
		return "", ErrValueMismatch
	}
}

func encodeBoolean(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, ErrValueMismatch
	}
	return b, nil
}

func encodeBytes(v any) (string, error) {
	switch b := v.(type) {
	case []byte:
		return common.Bytes2Hex(b), nil
	case nil:
		return "", nil
	default:
		return "", ErrValueMismatch
	}
}

func encodeHash160(v any) (string, error) {
	a, ok := v.(common.Address)
	if !ok {
		return "", ErrValueMismatch
	}
	return hexutil.Encode(a.Bytes()), nil
}

func encodeHash256(v any) (string, error) {
	h, ok := v.(common.Hash)
	if !ok {
		return "", ErrValueMismatch
	}
	return h.Hex(), nil
}
