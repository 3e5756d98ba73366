package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"tradewatch/internal/decoder"
)

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <calldata>",
		Short: "Classify raw transaction call data",
		Args:  cobra.ExactArgs(1),
		RunE:  runDecode,
	}
}

func runDecode(_ *cobra.Command, args []string) error {
	data, err := hexutil.Decode(args[0])
	if err != nil {
		return fmt.Errorf("invalid call data: %w", err)
	}

	decoded := decoder.Decode(data)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(decoded)
}
