package ledger

import (
	"fmt"
	"strings"
)

// Block represents a persisted ledger block with its transactions.
// Field names and JSON tags follow the ledger's native block rendering.
type Block struct {
	Hash              string        `json:"hash" yaml:"hash"`
	Size              int           `json:"size" yaml:"size"`
	Version           uint32        `json:"version" yaml:"version"`
	PreviousBlockHash string        `json:"previousblockhash" yaml:"previousblockhash"`
	MerkleRoot        string        `json:"merkleroot" yaml:"merkleroot"`
	Time              uint32        `json:"time" yaml:"time"`
	Index             uint32        `json:"index" yaml:"index"`
	Nonce             string        `json:"nonce" yaml:"nonce"`
	NextConsensus     string        `json:"nextconsensus" yaml:"nextconsensus"`
	Script            Witness       `json:"script" yaml:"script"`
	Transactions      []Transaction `json:"tx" yaml:"tx"`
}

// Witness is the invocation/verification script pair attached to a block.
type Witness struct {
	Invocation   string `json:"invocation" yaml:"invocation"`
	Verification string `json:"verification" yaml:"verification"`
}

// Transaction represents a transaction included in a block
type Transaction struct {
	Hash    string `json:"txid" yaml:"txid"`
	Size    int    `json:"size" yaml:"size"`
	Type    string `json:"type" yaml:"type"`
	Version uint8  `json:"version" yaml:"version"`
	SysFee  string `json:"sys_fee" yaml:"sys_fee"`
	NetFee  string `json:"net_fee" yaml:"net_fee"`
}

// Clone returns a deep copy of the block.
func (b Block) Clone() Block {
	out := b
	if b.Transactions != nil {
		out.Transactions = make([]Transaction, len(b.Transactions))
		copy(out.Transactions, b.Transactions)
	}
	return out
}

// VMState is the final state of a transaction's script execution.
type VMState uint8

const (
	VMStateNone  VMState = 0
	VMStateHalt  VMState = 1 << 0
	VMStateFault VMState = 1 << 1
	VMStateBreak VMState = 1 << 2
)

// Faulted reports whether the fault flag is set.
func (s VMState) Faulted() bool {
	return s&VMStateFault != 0
}

func (s VMState) String() string {
	switch {
	case s.Faulted():
		return "FAULT"
	case s&VMStateHalt != 0:
		return "HALT"
	case s&VMStateBreak != 0:
		return "BREAK"
	default:
		return "NONE"
	}
}

// Notification is an event raised by a contract during execution.
type Notification struct {
	// Contract is the script hash of the emitting contract.
	Contract string      `json:"contract" yaml:"contract"`
	State    []Parameter `json:"state" yaml:"state"`
}

// ExecutionRecord holds the outcome of one transaction's execution within a
// commit: its transaction id, VM state and the notifications it emitted in
// order.
type ExecutionRecord struct {
	TxID          string         `json:"txid" yaml:"txid"`
	State         VMState        `json:"vm_state" yaml:"vm_state"`
	Notifications []Notification `json:"notifications" yaml:"notifications"`
}

// Faulted reports whether the execution ended in a FAULT state.
func (r ExecutionRecord) Faulted() bool {
	return r.State.Faulted()
}

// MarshalText renders the state the way the ledger prints it.
func (s VMState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts a state name (HALT, FAULT, BREAK, NONE), optionally
// combined with commas, e.g. "HALT, BREAK".
func (s *VMState) UnmarshalText(text []byte) error {
	var state VMState
	for _, part := range strings.Split(string(text), ",") {
		switch strings.ToUpper(strings.TrimSpace(part)) {
		case "", "NONE":
		case "HALT":
			state |= VMStateHalt
		case "FAULT":
			state |= VMStateFault
		case "BREAK":
			state |= VMStateBreak
		default:
			return fmt.Errorf("unknown vm state %q", part)
		}
	}
	*s = state
	return nil
}
