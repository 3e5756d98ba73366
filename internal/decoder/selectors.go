package decoder

import (
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// selectorNames maps well-known 4-byte selectors to human-readable
// function names. This is the last recognition step before "Unknown":
// params are reported empty because the full parameter structure is not
// registered here. The bare "0x" entry covers plain value transfers.
var selectorNames = map[string]string{
	"0x4982e3b7": "unwrapAll",
	"0x60806040": "createContract",
	"0x8129fc1c": "initialize",
	"0x9d54ded8": "roulette",
	"0xa694fc3a": "stake",
	"0xa9059cbb": "transfer",
	"0x23b872dd": "transferFrom",
	"0xd46eb119": "wrap",
	"0x2e17de78": "unstake",
	"0xa1705d06": "flipit",
	"0xb88a802f": "claimreward",
	"0x464faccc": "minttokens",
	"0x47cff018": "createvault",
	"0xc3de453d": "bridge",
	"0x2f2ff15d": "grantrole",
	"0x2195995c": "removeliquiditywithpermit",
	"0xbaa2abde": "removeliquidity",
	"0xfc8b7cc1": "initiateotctrade",
	"0x2def6620": "unstake",
	"0xa82ba76f": "buyNFT",
	"0x4d31dd96": "issuevibeNFT",
	"0x2f57ee41": "stake",
	"0xf2fde38b": "transferownership",
	"0x35ed71a8": "setswapstatus",
	"0xe6d22501": "stake",
	"0x49374246": "consign",
	"0x4bfe11a5": "consign",
	"0x31df7a62": "claimstudio",
	"0x8f751b35": "addlicense",
	"0xefd0cbf9": "mintpublic",
	"0xe7a33822": "seal",
	"0x2b416e94": "unseal",
	"0x3f2e909c": "createtransfer",
	"0x5f832177": "canceltransfer",
	"0x0cac54ed": "claimtransfer",
	"0xb209e7c2": "remholder",
	"0xd0e30db0": "deposit",
	"0x13495af1": "newholder",
	"0x9d5c6e07": "batchmintboosters",
	"0xee3178dc": "claimrevsharebyowner",
	"0xac9650d8": "multicall",
	"0xe8e33700": "addliquidity",
	"0xad05f1b4": "listNFT",
	"0x305a67a8": "cancellisting",
	"0x1e83409a": "claim",
	"0x":         "transfer",
}

// typedSelector is a selector-table entry that also carries a parameter
// layout, used by the second decode pass. Keyed by the literal selector
// rather than a derived signature so the table stays authoritative.
type typedSelector struct {
	name string
	args abi.Arguments
}

var (
	typedSelectors     map[string]typedSelector
	typedSelectorsOnce sync.Once
	typedSelectorsErr  error
)

func typedSelectorTable() (map[string]typedSelector, error) {
	typedSelectorsOnce.Do(func() {
		typedSelectors, typedSelectorsErr = buildTypedSelectors()
	})
	return typedSelectors, typedSelectorsErr
}

func buildTypedSelectors() (map[string]typedSelector, error) {
	mustArg := func(name, typ string) (abi.Argument, error) {
		t, err := abi.NewType(typ, "", nil)
		if err != nil {
			return abi.Argument{}, err
		}
		return abi.Argument{Name: name, Type: t}, nil
	}

	table := make(map[string]typedSelector)
	add := func(selector, name string, specs ...[2]string) error {
		args := make(abi.Arguments, 0, len(specs))
		for _, spec := range specs {
			arg, err := mustArg(spec[0], spec[1])
			if err != nil {
				return err
			}
			args = append(args, arg)
		}
		table[selector] = typedSelector{name: name, args: args}
		return nil
	}

	if err := add("0xa9059cbb", "transfer",
		[2]string{"to", "address"}, [2]string{"amount", "uint256"}); err != nil {
		return nil, err
	}
	if err := add("0x23b872dd", "transferFrom",
		[2]string{"from", "address"}, [2]string{"to", "address"}, [2]string{"tokenId", "uint256"}); err != nil {
		return nil, err
	}
	if err := add("0xa694fc3a", "stake",
		[2]string{"amount", "uint256"}); err != nil {
		return nil, err
	}
	if err := add("0x9d54ded8", "roulette",
		[2]string{"guesses", "uint8[]"}, [2]string{"guessTypes", "uint8[]"}, [2]string{"betAmounts", "uint256[]"}); err != nil {
		return nil, err
	}
	if err := add("0xe8e33700", "addliquidity",
		[2]string{"tokenA", "address"}, [2]string{"tokenB", "address"}, [2]string{"to", "address"}); err != nil {
		return nil, err
	}

	return table, nil
}
