// Package codec renders ledger blocks and contract notifications into the
// JSON messages published on the bus. All functions are pure.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/web3ekko/ekko-ce/relay/pkg/ledger"
)

// Confirmations is the fixed confirmation count attached to every block
// message at publication time. The relay has no notion of reorg depth.
const Confirmations = 1

// BlockMessage is the canonical representation of a persisted block.
type BlockMessage struct {
	ledger.Block
	Confirmations int `json:"confirmations"`
}

// NotificationMessage is the canonical representation of one contract
// notification.
type NotificationMessage struct {
	Contract string  `json:"contract"`
	TxID     string  `json:"txid"`
	Call     []Param `json:"call"`
}

// EncodeBlock renders block and stamps it with Confirmations. The input is
// copied, never mutated or aliased.
func EncodeBlock(block ledger.Block) BlockMessage {
	return BlockMessage{
		Block:         block.Clone(),
		Confirmations: Confirmations,
	}
}

// EncodeNotification renders a notification's state into a call value and
// wraps it with the emitting contract and transaction id.
func EncodeNotification(contract, txid string, state []ledger.Parameter) (NotificationMessage, error) {
	if contract == "" {
		return NotificationMessage{}, &EncodingError{TxID: txid, Err: errors.New("contract is empty")}
	}
	if txid == "" {
		return NotificationMessage{}, &EncodingError{Contract: contract, Err: errors.New("txid is empty")}
	}

	call := make([]Param, 0, len(state))
	for i, p := range state {
		enc, err := encodeParam(p, fmt.Sprintf("call[%d]", i), 0)
		if err != nil {
			encErr := &EncodingError{Contract: contract, TxID: txid, Err: err}
			var pe *paramError
			if errors.As(err, &pe) {
				encErr.Path, encErr.Kind, encErr.Err = pe.path, pe.kind, pe.err
			}
			return NotificationMessage{}, encErr
		}
		call = append(call, enc)
	}

	return NotificationMessage{
		Contract: contract,
		TxID:     txid,
		Call:     call,
	}, nil
}

// Marshal serializes the message into its bus payload.
func (m BlockMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Marshal serializes the message into its bus payload.
func (m NotificationMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeBlockMessage parses a blocks channel payload.
func DecodeBlockMessage(data []byte) (BlockMessage, error) {
	var m BlockMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return BlockMessage{}, fmt.Errorf("decode block message: %w", err)
	}
	return m, nil
}

// DecodeNotificationMessage parses an events channel payload.
func DecodeNotificationMessage(data []byte) (NotificationMessage, error) {
	var m NotificationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return NotificationMessage{}, fmt.Errorf("decode notification message: %w", err)
	}
	return m, nil
}
