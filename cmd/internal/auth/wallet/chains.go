package wallet

import (
	"sort"

	"vdid/cmd/identity/ids"
)

// Chain describes an EVM network a wallet may sign in from.
type Chain struct {
	ID     int64  `json:"chainId"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`

	// Network is the DID network used for principals created from this chain.
	Network string `json:"-"`
}

// DefaultChainID is used when a request omits the chain.
const DefaultChainID = 1

var chains = map[int64]Chain{
	1:        {ID: 1, Name: "Ethereum", Symbol: "ETH", Network: ids.NetworkEthereum},
	10:       {ID: 10, Name: "Optimism", Symbol: "ETH", Network: ids.NetworkOptimism},
	56:       {ID: 56, Name: "BNB Smart Chain", Symbol: "BNB", Network: ids.NetworkEthereum},
	137:      {ID: 137, Name: "Polygon", Symbol: "POL", Network: ids.NetworkPolygon},
	8453:     {ID: 8453, Name: "Base", Symbol: "ETH", Network: ids.NetworkBase},
	42161:    {ID: 42161, Name: "Arbitrum One", Symbol: "ETH", Network: ids.NetworkArbitrum},
	11155111: {ID: 11155111, Name: "Sepolia", Symbol: "ETH", Network: ids.NetworkTestnet},
	84532:    {ID: 84532, Name: "Base Sepolia", Symbol: "ETH", Network: ids.NetworkTestnet},
}

// LookupChain returns the chain for id. Unknown ids degrade to a generic entry.
func LookupChain(id int64) Chain {
	if c, ok := chains[id]; ok {
		return c
	}
	return Chain{ID: id, Name: "Unknown", Symbol: "ETH", Network: ids.NetworkEthereum}
}

// KnownChain reports whether id is in the chain table.
func KnownChain(id int64) bool {
	_, ok := chains[id]
	return ok
}

// Chains returns the chain table ordered by id.
func Chains() []Chain {
	out := make([]Chain, 0, len(chains))
	for _, c := range chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
