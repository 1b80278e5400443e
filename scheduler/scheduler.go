// Package scheduler runs the facilitator's background loops: periodic
// gas-balance refresh, wallet-pool health checks, and discovery cleanup.
// All loops honor a single shutdown signal; in-flight RPCs are abandoned.
package scheduler

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	solanasdk "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	chainsvm "github.com/gosuda/x402-gateway/chain/svm"
	"github.com/gosuda/x402-gateway/discovery"
	evmfac "github.com/gosuda/x402-gateway/facilitator/evm"
	"github.com/gosuda/x402-gateway/facilitator/evm/wallet"
	"github.com/gosuda/x402-gateway/metrics"
	"github.com/gosuda/x402-gateway/types"
)

const (
	gasRefreshInterval       = 5 * time.Minute
	discoveryCleanupInterval = 24 * time.Hour
	jobTimeout               = 30 * time.Second
)

// SvmReader is the slice of the SVM port the gas refresher needs.
type SvmReader interface {
	Network() types.Network
	Balance(ctx context.Context, addr solanasdk.PublicKey) (uint64, error)
}

var _ SvmReader = (*chainsvm.Client)(nil)

// Options wires the scheduler's loops. Nil members disable the matching
// loop.
type Options struct {
	Pool      *wallet.Pool
	EvmChains map[types.Network]evmfac.Chain
	SvmChains map[types.Network]SvmReader
	SvmSigner solanasdk.PublicKey
	// SvmMinBalance is the fee payer's lamport floor; refreshes below it
	// log a warning.
	SvmMinBalance uint64
	Discovery     *discovery.Registry
	Metrics   metrics.Metrics
	Logger    zerolog.Logger
}

// Scheduler owns the background loop goroutines.
type Scheduler struct {
	opts Options
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a stopped scheduler.
func New(opts Options) *Scheduler {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop
	}
	return &Scheduler{
		opts: opts,
		stop: make(chan struct{}),
	}
}

// Start launches the loops. The gas refresher runs once immediately; the
// health loop waits one interval first (the pool is primed at startup).
func (s *Scheduler) Start() {
	s.run(gasRefreshInterval, true, s.refreshGasBalances)

	if s.opts.Pool != nil {
		s.run(s.opts.Pool.Config().HealthCheckInterval, false, s.checkWalletHealth)
	}
	if s.opts.Discovery != nil && s.opts.Discovery.Enabled() {
		s.run(discoveryCleanupInterval, false, s.cleanupDiscovery)
	}
}

// Stop signals every loop to exit and waits for them.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) run(interval time.Duration, immediate bool, job func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			job(ctx)
		}

		if immediate {
			runOnce()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				runOnce()
			}
		}
	}()
}

// refreshGasBalances reads every wallet's native balance on every configured
// network and publishes gauges. Per-wallet failures are logged and skipped.
func (s *Scheduler) refreshGasBalances(ctx context.Context) {
	if s.opts.Pool != nil {
		addrs := s.opts.Pool.Addresses()
		var wg sync.WaitGroup
		for network, chain := range s.opts.EvmChains {
			for _, addr := range addrs {
				wg.Add(1)
				go func(network types.Network, chain evmfac.Chain, addr common.Address) {
					defer wg.Done()
					balance, err := chain.NativeBalance(ctx, addr)
					if err != nil {
						s.opts.Logger.Warn().
							Err(err).
							Str("network", string(network)).
							Str("wallet", addr.Hex()).
							Msg("gas balance refresh failed")
						return
					}
					wei, _ := new(big.Float).SetInt(balance).Float64()
					s.opts.Metrics.Gauge("facilitator_wallet_native_balance", metrics.Labels{
						"network": string(network),
						"wallet":  addr.Hex(),
					}, wei)
				}(network, chain, addr)
			}
		}
		wg.Wait()
	}

	if !s.opts.SvmSigner.IsZero() {
		for network, chain := range s.opts.SvmChains {
			lamports, err := chain.Balance(ctx, s.opts.SvmSigner)
			if err != nil {
				s.opts.Logger.Warn().
					Err(err).
					Str("network", string(network)).
					Msg("fee payer balance refresh failed")
				continue
			}
			s.opts.Metrics.Gauge("facilitator_wallet_native_balance", metrics.Labels{
				"network": string(network),
				"wallet":  s.opts.SvmSigner.String(),
			}, float64(lamports))
			if s.opts.SvmMinBalance > 0 && lamports < s.opts.SvmMinBalance {
				s.opts.Logger.Warn().
					Str("network", string(network)).
					Uint64("lamports", lamports).
					Uint64("floor", s.opts.SvmMinBalance).
					Msg("fee payer balance below threshold")
			}
		}
	}
}

// checkWalletHealth runs one pool health pass per configured EVM network,
// so each wallet's health and balance are observed per (network, wallet)
// pair.
func (s *Scheduler) checkWalletHealth(ctx context.Context) {
	for _, network := range types.EVMNetworks {
		if chain, ok := s.opts.EvmChains[network]; ok {
			s.opts.Pool.HealthCheck(ctx, network, chain)
		}
	}
}

func (s *Scheduler) cleanupDiscovery(ctx context.Context) {
	purged, err := s.opts.Discovery.Cleanup(ctx)
	if err != nil {
		s.opts.Logger.Warn().Err(err).Msg("discovery cleanup failed")
		return
	}
	if purged > 0 {
		s.opts.Logger.Info().Int("purged", purged).Msg("discovery cleanup done")
	}
}
