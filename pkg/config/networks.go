package config

import "strings"

const (
	// NetworkMainnet selects Base mainnet
	NetworkMainnet = "mainnet"
	// NetworkTestnet selects Base Sepolia
	NetworkTestnet = "testnet"
)

// DefaultHermesURL is the public Hermes endpoint of the oracle network
const DefaultHermesURL = "https://hermes.pyth.network"

// Network holds the endpoints and addresses a preset fills in
type Network struct {
	Name          string
	ChainID       int64
	RPCURL        string
	OracleAddress string
	HermesURL     string
	ExplorerURL   string
}

// networks maps preset names to their defaults
var networks = map[string]Network{
	NetworkMainnet: {
		Name:          "BASE",
		ChainID:       8453,
		RPCURL:        "https://mainnet.base.org",
		OracleAddress: "0x8250f4aF4B972684F7b336503E2D6dFeDeB1487a",
		HermesURL:     DefaultHermesURL,
		ExplorerURL:   "https://basescan.org",
	},
	NetworkTestnet: {
		Name:          "BASE_SEPOLIA",
		ChainID:       84532,
		RPCURL:        "https://sepolia.base.org",
		OracleAddress: "0xA2aa501b19aff244D90cc15a4Cf739D2725B5729",
		HermesURL:     DefaultHermesURL,
		ExplorerURL:   "https://sepolia.basescan.org",
	},
}

// GetNetwork returns the preset for a network name
func GetNetwork(name string) (Network, bool) {
	network, exists := networks[strings.ToLower(strings.TrimSpace(name))]
	return network, exists
}

// GetNetworkName returns the name of the network for a given chain ID
func GetNetworkName(chainID int64) string {
	for _, network := range networks {
		if network.ChainID == chainID {
			return network.Name
		}
	}
	return "UNKNOWN"
}

// TxURL returns an explorer link for a transaction hash, or "" for unknown chains
func TxURL(chainID int64, txHash string) string {
	for _, network := range networks {
		if network.ChainID == chainID {
			return network.ExplorerURL + "/tx/" + txHash
		}
	}
	return ""
}
