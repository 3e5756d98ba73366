// Package decoder classifies raw transaction call data. Recognition
// cascades through ordered strategies: a combined common-ABI decode, a
// second pass over the typed selector table, a name-only selector lookup,
// and finally a descriptive placeholder. Decode never fails the caller.
package decoder

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DecodedCall is the best-effort description of one contract call.
type DecodedCall struct {
	FunctionName string         `json:"functionName"`
	Params       map[string]any `json:"params"`
}

// strategy attempts one recognition pass. A nil result means "this
// strategy didn't match"; errors and panics inside a strategy are treated
// the same way.
type strategy func(data []byte) *DecodedCall

var strategies = []strategy{
	decodeCommonABI,
	decodeTypedSelector,
	decodeSelectorName,
}

// Decode classifies call data. It always returns a well-formed value:
// unresolvable input yields "Unknown (<selector>)", and a failure outside
// any single strategy yields "Decoding Error".
func Decode(data []byte) (result DecodedCall) {
	defer func() {
		if recover() != nil {
			result = DecodedCall{FunctionName: "Decoding Error", Params: map[string]any{}}
		}
	}()

	for _, strat := range strategies {
		if decoded := tryStrategy(strat, data); decoded != nil {
			return *decoded
		}
	}

	return DecodedCall{
		FunctionName: fmt.Sprintf("Unknown (%s)", selectorHex(data)),
		Params:       map[string]any{},
	}
}

func tryStrategy(strat strategy, data []byte) (decoded *DecodedCall) {
	defer func() {
		if recover() != nil {
			decoded = nil
		}
	}()
	return strat(data)
}

// selectorHex renders the first 4 bytes of call data, or all of it when
// shorter. Empty data renders as "0x".
func selectorHex(data []byte) string {
	if len(data) > 4 {
		data = data[:4]
	}
	return hexutil.Encode(data)
}

// decodeCommonABI matches the selector against the combined common ABI
// and unpacks the full parameter structure.
func decodeCommonABI(data []byte) *DecodedCall {
	if len(data) < 4 {
		return nil
	}

	commonABI, err := commonABIInstance()
	if err != nil {
		return nil
	}

	method, err := commonABI.MethodById(data[:4])
	if err != nil {
		return nil
	}

	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil
	}

	return &DecodedCall{
		FunctionName: method.Name,
		Params:       namedParams(method.Inputs, values),
	}
}

// decodeTypedSelector is the second pass: selector-table entries that
// carry a parameter layout are tried independently of the combined ABI.
func decodeTypedSelector(data []byte) *DecodedCall {
	if len(data) < 4 {
		return nil
	}

	table, err := typedSelectorTable()
	if err != nil {
		return nil
	}

	entry, ok := table[hexutil.Encode(data[:4])]
	if !ok {
		return nil
	}

	values, err := entry.args.Unpack(data[4:])
	if err != nil {
		return nil
	}

	return &DecodedCall{
		FunctionName: entry.name,
		Params:       namedParams(entry.args, values),
	}
}

// decodeSelectorName degrades to a name-only match with empty params.
func decodeSelectorName(data []byte) *DecodedCall {
	name, ok := selectorNames[selectorHex(data)]
	if !ok {
		return nil
	}
	return &DecodedCall{FunctionName: name, Params: map[string]any{}}
}

func namedParams(args abi.Arguments, values []interface{}) map[string]any {
	params := make(map[string]any, len(values))
	for i, value := range values {
		name := ""
		if i < len(args) {
			name = args[i].Name
		}
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		params[name] = value
	}
	return params
}
