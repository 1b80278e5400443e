package types

// Network is the x402 network identifier (e.g. "base-sepolia", "solana-devnet").
type Network string

const (
	NetworkBase            Network = "base"
	NetworkBaseSepolia     Network = "base-sepolia"
	NetworkPolygon         Network = "polygon"
	NetworkPolygonAmoy     Network = "polygon-amoy"
	NetworkAvalanche       Network = "avalanche"
	NetworkAvalancheFuji   Network = "avalanche-fuji"
	NetworkAbstract        Network = "abstract"
	NetworkAbstractTestnet Network = "abstract-testnet"
	NetworkSei             Network = "sei"
	NetworkSeiTestnet      Network = "sei-testnet"
	NetworkIoTeX           Network = "iotex"
	NetworkPeaq            Network = "peaq"
	NetworkSolana          Network = "solana"
	NetworkSolanaDevnet    Network = "solana-devnet"
)

// NetworkConfig holds per-network chain parameters.
type NetworkConfig struct {
	// ChainID is the numeric chain identifier. For SVM networks this is a
	// synthetic tag used only for bookkeeping.
	ChainID int64

	// DefaultRPC is the public RPC endpoint used when no override is configured.
	DefaultRPC string

	// BlockTime is the estimated seconds between blocks, used as the
	// validBefore safety margin during verification.
	BlockTime int64

	// ZkStack marks zkSync-derived chains. Settlement on them is sent as a
	// legacy gas-priced transaction instead of a dynamic-fee one; zkSync-native
	// EIP-712 transactions are not built.
	ZkStack bool
}

// EVMNetworks enumerates supported EVM networks in a stable order.
var EVMNetworks = []Network{
	NetworkBase,
	NetworkBaseSepolia,
	NetworkPolygon,
	NetworkPolygonAmoy,
	NetworkAvalanche,
	NetworkAvalancheFuji,
	NetworkAbstract,
	NetworkAbstractTestnet,
	NetworkSei,
	NetworkSeiTestnet,
	NetworkIoTeX,
	NetworkPeaq,
}

// SVMNetworks enumerates supported SVM networks in a stable order.
var SVMNetworks = []Network{
	NetworkSolana,
	NetworkSolanaDevnet,
}

var networkConfigs = map[Network]NetworkConfig{
	NetworkBase:            {ChainID: 8453, DefaultRPC: "https://mainnet.base.org", BlockTime: 2},
	NetworkBaseSepolia:     {ChainID: 84532, DefaultRPC: "https://sepolia.base.org", BlockTime: 2},
	NetworkPolygon:         {ChainID: 137, DefaultRPC: "https://polygon-rpc.com", BlockTime: 2},
	NetworkPolygonAmoy:     {ChainID: 80002, DefaultRPC: "https://rpc-amoy.polygon.technology", BlockTime: 2},
	NetworkAvalanche:       {ChainID: 43114, DefaultRPC: "https://api.avax.network/ext/bc/C/rpc", BlockTime: 2},
	NetworkAvalancheFuji:   {ChainID: 43113, DefaultRPC: "https://api.avax-test.network/ext/bc/C/rpc", BlockTime: 2},
	NetworkAbstract:        {ChainID: 2741, DefaultRPC: "https://api.mainnet.abs.xyz", BlockTime: 1, ZkStack: true},
	NetworkAbstractTestnet: {ChainID: 11124, DefaultRPC: "https://api.testnet.abs.xyz", BlockTime: 1, ZkStack: true},
	NetworkSei:             {ChainID: 1329, DefaultRPC: "https://evm-rpc.sei-apis.com", BlockTime: 1},
	NetworkSeiTestnet:      {ChainID: 1328, DefaultRPC: "https://evm-rpc-testnet.sei-apis.com", BlockTime: 1},
	NetworkIoTeX:           {ChainID: 4689, DefaultRPC: "https://babel-api.mainnet.iotex.io", BlockTime: 5},
	NetworkPeaq:            {ChainID: 3338, DefaultRPC: "https://peaq.api.onfinality.io/public", BlockTime: 6},

	NetworkSolana:       {ChainID: 101, DefaultRPC: "https://api.mainnet-beta.solana.com", BlockTime: 1},
	NetworkSolanaDevnet: {ChainID: 103, DefaultRPC: "https://api.devnet.solana.com", BlockTime: 1},
}

// GetNetworkConfig returns the configuration for a known network.
func GetNetworkConfig(n Network) (NetworkConfig, bool) {
	cfg, ok := networkConfigs[n]
	return cfg, ok
}

// IsEVMNetwork reports whether n is one of the supported EVM networks.
func IsEVMNetwork(n Network) bool {
	for _, e := range EVMNetworks {
		if e == n {
			return true
		}
	}
	return false
}

// IsSVMNetwork reports whether n is one of the supported SVM networks.
func IsSVMNetwork(n Network) bool {
	for _, s := range SVMNetworks {
		if s == n {
			return true
		}
	}
	return false
}

// IsKnownNetwork reports whether n is supported at all.
func IsKnownNetwork(n Network) bool {
	_, ok := networkConfigs[n]
	return ok
}
