package web3

import (
	"fmt"
	"sort"
	"strings"

	xerrors "theta-agents/internal/errors"
)

// Network describes one Theta EVM network.
type Network struct {
	Name     string
	ChainID  int64
	RPCURL   string
	Explorer string
}

var networks = map[string]Network{
	"mainnet": {
		Name:     "mainnet",
		ChainID:  361,
		RPCURL:   "https://eth-rpc-api.thetatoken.org/rpc",
		Explorer: "https://explorer.thetatoken.org",
	},
	"testnet": {
		Name:     "testnet",
		ChainID:  365,
		RPCURL:   "https://eth-rpc-api-testnet.thetatoken.org/rpc",
		Explorer: "https://testnet-explorer.thetatoken.org",
	},
	"privatenet": {
		Name:    "privatenet",
		ChainID: 366,
		RPCURL:  "http://localhost:18888/rpc",
	},
}

// Networks lists the preset names.
func Networks() []string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupNetwork returns the preset registered under name.
func LookupNetwork(name string) (Network, bool) {
	n, ok := networks[strings.ToLower(strings.TrimSpace(name))]
	return n, ok
}

// ResolveNetwork starts from the named preset and applies explicit
// overrides. An unnamed network is accepted when both overrides are given.
func ResolveNetwork(name string, chainID int64, rpcURL string) (Network, error) {
	n, ok := LookupNetwork(name)
	if !ok {
		if strings.TrimSpace(name) != "" && (chainID == 0 || strings.TrimSpace(rpcURL) == "") {
			return Network{}, xerrors.New(CodeUnknownNetwork,
				fmt.Sprintf("未知的网络 %q，可选: %s", name, strings.Join(Networks(), ", ")))
		}
		n = Network{Name: strings.TrimSpace(name)}
	}
	if chainID != 0 {
		n.ChainID = chainID
	}
	if url := strings.TrimSpace(rpcURL); url != "" {
		n.RPCURL = url
	}
	if n.ChainID == 0 || n.RPCURL == "" {
		return Network{}, xerrors.New(CodeUnknownNetwork, "网络缺少 chain id 或 RPC 地址")
	}
	return n, nil
}
