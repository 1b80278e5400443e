package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/gosuda/x402-gateway/types"
)

// Config holds the application configuration.
type Config struct {
	Port int `koanf:"port"`

	EvmPrivateKey      string `koanf:"evmPrivateKey"`
	FacilitatorWallets string `koanf:"facilitatorWallets"`
	SvmPrivateKey      string `koanf:"svmPrivateKey"`

	EvmRpcUrl string `koanf:"evmRpcUrl"`
	SvmRpcUrl string `koanf:"svmRpcUrl"`

	AllowedNetworks   string `koanf:"allowedNetworks"`
	DefaultEvmNetwork string `koanf:"defaultEvmNetwork"`

	GasBalanceThresholdEvm float64 `koanf:"gasBalanceThresholdEvm"`
	GasBalanceThresholdSvm float64 `koanf:"gasBalanceThresholdSvm"`

	MaxPendingPerWallet     int    `koanf:"maxPendingPerWallet"`
	HealthCheckIntervalMs   int    `koanf:"healthCheckIntervalMs"`
	PendingTxTimeoutMs      int    `koanf:"pendingTxTimeoutMs"`
	WalletSelectionStrategy string `koanf:"walletSelectionStrategy"`
	MaxRetryAttempts        int    `koanf:"maxRetryAttempts"`
	RetryDelayMs            int    `koanf:"retryDelayMs"`

	AllowLocalhostResources bool `koanf:"allowLocalhostResources"`
}

// envKeys maps the documented environment variables onto config keys.
var envKeys = map[string]string{
	"PORT":                      "port",
	"EVM_PRIVATE_KEY":           "evmPrivateKey",
	"FACILITATOR_WALLETS":       "facilitatorWallets",
	"SVM_PRIVATE_KEY":           "svmPrivateKey",
	"EVM_RPC_URL":               "evmRpcUrl",
	"SVM_RPC_URL":               "svmRpcUrl",
	"ALLOWED_NETWORKS":          "allowedNetworks",
	"DEFAULT_EVM_NETWORK":       "defaultEvmNetwork",
	"GAS_BALANCE_THRESHOLD_EVM": "gasBalanceThresholdEvm",
	"GAS_BALANCE_THRESHOLD_SVM": "gasBalanceThresholdSvm",
	"MAX_PENDING_PER_WALLET":    "maxPendingPerWallet",
	"HEALTH_CHECK_INTERVAL_MS":  "healthCheckIntervalMs",
	"PENDING_TX_TIMEOUT_MS":     "pendingTxTimeoutMs",
	"WALLET_SELECTION_STRATEGY": "walletSelectionStrategy",
	"MAX_RETRY_ATTEMPTS":        "maxRetryAttempts",
	"RETRY_DELAY_MS":            "retryDelayMs",
	"ALLOW_LOCALHOST_RESOURCES": "allowLocalhostResources",
}

// LoadConfig loads configuration from multiple sources (in order of
// priority): command line flags, environment variables, configuration file,
// defaults.
func LoadConfig() (*Config, error) {
	var k = koanf.New(".")

	// Defaults.
	k.Set("port", 9090)
	k.Set("defaultEvmNetwork", string(types.NetworkBaseSepolia))
	k.Set("gasBalanceThresholdEvm", 0.01)
	k.Set("gasBalanceThresholdSvm", 0.1)
	k.Set("maxPendingPerWallet", 3)
	k.Set("healthCheckIntervalMs", 60_000)
	k.Set("pendingTxTimeoutMs", 300_000)
	k.Set("walletSelectionStrategy", "hybrid")
	k.Set("maxRetryAttempts", 3)
	k.Set("retryDelayMs", 1_000)

	f := pflag.NewFlagSet("config", pflag.ContinueOnError)
	f.String("config", "config.toml", "Path to configuration file")
	f.Int("port", 9090, "Server port")
	f.String("allowedNetworks", "", "Comma-separated network allow-list (empty = all configured)")
	f.String("defaultEvmNetwork", string(types.NetworkBaseSepolia), "EVM network served when no allow-list is set")
	f.String("evmRpcUrl", "", "EVM RPC endpoint override for the default network")
	f.String("svmRpcUrl", "", "SVM RPC endpoint override")
	f.Bool("allowLocalhostResources", false, "Admit localhost/private resource URLs into discovery")

	if err := f.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	configPath, _ := f.GetString("config")
	if _, err := os.Stat(configPath); err == nil {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	// Documented environment variables; everything else is skipped.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, err
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, err
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// WalletKeys resolves the ordered EVM signing key list: FACILITATOR_WALLETS
// when present, otherwise the single EVM_PRIVATE_KEY.
func (c *Config) WalletKeys() []string {
	if strings.TrimSpace(c.FacilitatorWallets) != "" {
		parts := strings.Split(c.FacilitatorWallets, ",")
		keys := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				keys = append(keys, p)
			}
		}
		return keys
	}
	if strings.TrimSpace(c.EvmPrivateKey) != "" {
		return []string{strings.TrimSpace(c.EvmPrivateKey)}
	}
	return nil
}

// Networks resolves the networks this process serves. An empty allow-list
// means the default EVM network plus every SVM network an SVM key can serve.
func (c *Config) Networks() ([]types.Network, error) {
	raw := strings.TrimSpace(c.AllowedNetworks)
	if raw == "" {
		networks := []types.Network{types.Network(c.DefaultEvmNetwork)}
		if strings.TrimSpace(c.SvmPrivateKey) != "" {
			networks = append(networks, types.SVMNetworks...)
		}
		return networks, nil
	}

	var networks []types.Network
	for _, p := range strings.Split(raw, ",") {
		n := types.Network(strings.TrimSpace(p))
		if n == "" {
			continue
		}
		if !types.IsKnownNetwork(n) {
			return nil, fmt.Errorf("unknown network in allow-list: %s", n)
		}
		networks = append(networks, n)
	}
	return networks, nil
}

// printUsage prints usage information.
func printUsage() {
	println("Usage: facilitator [options]")
	println()
	println("x402 payment facilitator server")
	println()
	println("Options:")
	println("  --config string")
	println("        Path to configuration file (default \"config.toml\")")
	println("  --port int")
	println("        Server port (default 9090)")
	println("  --allowedNetworks string")
	println("        Comma-separated network allow-list (empty = all configured)")
	println("  --defaultEvmNetwork string")
	println("        EVM network served when no allow-list is set (default \"base-sepolia\")")
	println("  --evmRpcUrl string")
	println("        EVM RPC endpoint override for the default network")
	println("  --svmRpcUrl string")
	println("        SVM RPC endpoint override")
	println("  --allowLocalhostResources")
	println("        Admit localhost/private resource URLs into discovery")
	println("  -h, --help")
	println("        Show this help message")
	println()
	println("Environment: EVM_PRIVATE_KEY or FACILITATOR_WALLETS, SVM_PRIVATE_KEY,")
	println("EVM_RPC_URL, SVM_RPC_URL, ALLOWED_NETWORKS, GAS_BALANCE_THRESHOLD_EVM,")
	println("GAS_BALANCE_THRESHOLD_SVM, MAX_PENDING_PER_WALLET, HEALTH_CHECK_INTERVAL_MS,")
	println("PENDING_TX_TIMEOUT_MS, WALLET_SELECTION_STRATEGY, MAX_RETRY_ATTEMPTS,")
	println("RETRY_DELAY_MS, DEFAULT_EVM_NETWORK, ALLOW_LOCALHOST_RESOURCES")
}
