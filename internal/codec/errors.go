package codec

import (
	"fmt"

	"github.com/web3ekko/ekko-ce/relay/pkg/ledger"
)

// EncodingError reports a notification that cannot be rendered into its wire
// form. It affects only that notification.
type EncodingError struct {
	Contract string
	TxID     string
	// Path locates the offending parameter, e.g. "call[2].value[0]".
	Path string
	Kind ledger.ParameterType
	Err  error
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("encode notification %s/%s: %v", e.TxID, e.Contract, e.Err)
	}
	return fmt.Sprintf("encode notification %s/%s: %s (%s): %v", e.TxID, e.Contract, e.Path, e.Kind, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// paramError is the internal form of an unrepresentable parameter before the
// notification context is attached.
type paramError struct {
	path string
	kind ledger.ParameterType
	err  error
}

func (e *paramError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.path, e.kind, e.err)
}
