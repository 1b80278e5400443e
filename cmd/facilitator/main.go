package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	solanasdk "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/x402-gateway/api"
	chainevm "github.com/gosuda/x402-gateway/chain/evm"
	chainsvm "github.com/gosuda/x402-gateway/chain/svm"
	"github.com/gosuda/x402-gateway/discovery"
	"github.com/gosuda/x402-gateway/facilitator"
	evmfac "github.com/gosuda/x402-gateway/facilitator/evm"
	solfac "github.com/gosuda/x402-gateway/facilitator/solana"
	"github.com/gosuda/x402-gateway/facilitator/evm/wallet"
	"github.com/gosuda/x402-gateway/internal/clock"
	"github.com/gosuda/x402-gateway/metrics"
	"github.com/gosuda/x402-gateway/scheduler"
	"github.com/gosuda/x402-gateway/types"
)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "-help" || arg == "--help" {
			printUsage()
			os.Exit(0)
		}
	}

	config, err := LoadConfig()
	if err != nil {
		if err.Error() == "flag: help requested" {
			printUsage()
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	networks, err := config.Networks()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid network configuration")
	}

	ctx := context.Background()

	// EVM side: wallet pool plus one chain client per allowed EVM network.
	evmChains := map[types.Network]evmfac.Chain{}
	var pool *wallet.Pool

	walletKeys := config.WalletKeys()
	if len(walletKeys) > 0 {
		for _, n := range networks {
			if !types.IsEVMNetwork(n) {
				continue
			}
			rpcURL := ""
			if string(n) == config.DefaultEvmNetwork {
				rpcURL = config.EvmRpcUrl
			}
			client, err := chainevm.Dial(ctx, n, rpcURL)
			if err != nil {
				log.Fatal().Err(err).Str("network", string(n)).Msg("Failed to connect EVM network")
			}
			evmChains[n] = client
		}

		poolCfg := wallet.Config{
			MaxPendingPerWallet: config.MaxPendingPerWallet,
			MinNativeBalance:    ethToWei(config.GasBalanceThresholdEvm),
			HealthCheckInterval: time.Duration(config.HealthCheckIntervalMs) * time.Millisecond,
			PendingTxTimeout:    time.Duration(config.PendingTxTimeoutMs) * time.Millisecond,
			Strategy:            wallet.ParseStrategy(config.WalletSelectionStrategy),
			MaxRetryAttempts:    config.MaxRetryAttempts,
			RetryDelay:          time.Duration(config.RetryDelayMs) * time.Millisecond,
		}
		pool, err = wallet.NewPool(walletKeys, poolCfg, clock.System{}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build wallet pool")
		}

		if len(evmChains) > 0 {
			readers := make(map[types.Network]wallet.ChainReader, len(evmChains))
			for n, c := range evmChains {
				readers[n] = c
			}
			primeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := pool.Prime(primeCtx, readers); err != nil {
				cancel()
				log.Fatal().Err(err).Msg("Failed to prime wallet pool")
			}
			cancel()
		}
	}

	// SVM side: one chain client per allowed SVM network plus the fee payer.
	svmChains := map[types.Network]solfac.Chain{}
	svmReaders := map[types.Network]scheduler.SvmReader{}
	var svmSigner solanasdk.PrivateKey

	if config.SvmPrivateKey != "" {
		svmSigner, err = solanasdk.PrivateKeyFromBase58(config.SvmPrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid SVM private key")
		}
		for _, n := range networks {
			if !types.IsSVMNetwork(n) {
				continue
			}
			client, err := chainsvm.NewClient(n, config.SvmRpcUrl)
			if err != nil {
				log.Fatal().Err(err).Str("network", string(n)).Msg("Failed to connect SVM network")
			}
			svmChains[n] = client
			svmReaders[n] = client
		}
	}

	if len(evmChains) == 0 && len(svmChains) == 0 {
		log.Fatal().Msg("No networks configured; set EVM_PRIVATE_KEY/FACILITATOR_WALLETS or SVM_PRIVATE_KEY")
	}

	registry := discovery.NewRegistry(discovery.NewMemoryStore(), clock.System{}, config.AllowLocalhostResources, log.Logger)

	fac := facilitator.New(facilitator.Options{
		AllowedNetworks: networks,
		EvmChains:       evmChains,
		EvmPool:         pool,
		SvmChains:       svmChains,
		SvmSigner:       svmSigner,
		Discovery:       registry,
		Clock:           clock.System{},
		Logger:          log.Logger,
	})

	var svmPub solanasdk.PublicKey
	if len(svmSigner) > 0 {
		svmPub = svmSigner.PublicKey()
	}

	sched := scheduler.New(scheduler.Options{
		Pool:      pool,
		EvmChains: evmChains,
		SvmChains:     svmReaders,
		SvmSigner:     svmPub,
		SvmMinBalance: solToLamports(config.GasBalanceThresholdSvm),
		Discovery: registry,
		Metrics:   metrics.Nop,
		Logger:    log.Logger,
	})
	sched.Start()

	apiServer := api.NewServer(fac, log.Logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: apiServer,
	}

	go func() {
		log.Info().Msgf("Starting server on port %d", config.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server, shutting down...")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to shutdown server gracefully")
	}
	log.Info().Msg("Server shutdown gracefully")
}

// ethToWei converts a decimal ETH threshold into wei.
func ethToWei(eth float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(eth), big.NewFloat(1e18)).Int(nil)
	return wei
}

// solToLamports converts a decimal SOL threshold into lamports.
func solToLamports(sol float64) uint64 {
	return uint64(sol * 1e9)
}
