// Command orchestrator is the Orchestrator's composition root: it reads
// the process config, decrypts the operator credential, dials every
// configured chain, and wires the Position Store, Pool Ingestion, the
// Decision Engine, the Dispatcher, per-chain Monitors, the Liquidation
// Controller, and the Diagnostics surface into one supervised process
// (spec §5). It mirrors the teacher's cmd/main.go shape — env-var
// secrets, configs.LoadConfig, a single long-running background run —
// generalized from one DEX strategy loop to the full multi-task runtime.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/liquidot/orchestrator/configs"
	"github.com/liquidot/orchestrator/internal/chainadapter"
	"github.com/liquidot/orchestrator/internal/contractabi"
	"github.com/liquidot/orchestrator/internal/decision"
	"github.com/liquidot/orchestrator/internal/diagnostics"
	"github.com/liquidot/orchestrator/internal/dispatch"
	"github.com/liquidot/orchestrator/internal/domain"
	"github.com/liquidot/orchestrator/internal/liquidation"
	"github.com/liquidot/orchestrator/internal/messaging"
	"github.com/liquidot/orchestrator/internal/monitor"
	"github.com/liquidot/orchestrator/internal/poolingest"
	"github.com/liquidot/orchestrator/internal/scheduler"
	"github.com/liquidot/orchestrator/internal/store"
	"github.com/liquidot/orchestrator/internal/util"
	"github.com/liquidot/orchestrator/pkg/contractclient"
	"github.com/liquidot/orchestrator/pkg/txlistener"
)

// chainWiring is every chain-scoped collaborator built once per
// configured chain and shared across the components that submit to or
// read from it.
type chainWiring struct {
	chainID   uint64
	client    *ethclient.Client
	listener  txlistener.TxListener
	writer    *scheduler.PerChainWriter
	adapter   *chainadapter.EVM
	contracts map[common.Address]contractclient.ContractClient
}

func (w *chainWiring) sender(contract contractclient.ContractClient, idempotencyKeyPrefix string) liquidation.Sender {
	return w.writer.Sender(contract, contractclient.Standard, 0, idempotencyKeyPrefix)
}

func main() {
	cfg, err := configs.LoadConfig(configPath())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pk, operator := operatorCredential(cfg)

	st, err := store.New(mustEnv("MYSQL_DSN"))
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	hubABI, err := contractabi.Hub()
	if err != nil {
		log.Fatalf("parse hub abi: %v", err)
	}
	spokeABI, err := contractabi.Spoke()
	if err != nil {
		log.Fatalf("parse spoke abi: %v", err)
	}

	chains := make(map[uint64]*chainWiring, len(cfg.Chains))
	for chainID, cc := range cfg.Chains {
		chains[chainID] = dialChain(chainID, cc, operator, pk, hubABI, spokeABI)
	}

	hubWiring := chains[cfg.HubChainID]
	hubCC := cfg.Chains[cfg.HubChainID]
	hubContract := hubWiring.contracts[hubCC.HubAddressParsed()]

	reporter := scheduler.NewReporter(256)
	go logReports(reporter)

	dispatcher := dispatch.New(st, hubContract, hubWiring.adapter, hubWiring.listener, messaging.NewEncoder(), operator)

	var tasks []scheduler.Task
	tasks = append(tasks, scheduler.Task{Name: "writer:" + chainLabel(cfg.HubChainID), Run: hubWiring.writer.Run})
	tasks = append(tasks, scheduler.Task{Name: "monitor:hub", Run: monitor.New("hub", st, hubWiring.adapter, hubContract).Run})

	cursorKeys := []string{"hub"}
	chainConfigs := []diagnostics.ChainConfig{{ChainID: cfg.HubChainID, HubAddress: hubCC.HubAddressParsed()}}
	chainProbes := map[uint64]diagnostics.ChainProbe{cfg.HubChainID: hubWiring.adapter}

	controllers := make(map[uint64]*liquidation.Controller, len(cfg.Chains))
	for chainID, cc := range cfg.Chains {
		if chainID == cfg.HubChainID {
			continue
		}
		w := chains[chainID]
		tasks = append(tasks, scheduler.Task{Name: "writer:" + chainLabel(chainID), Run: w.writer.Run})
		chainProbes[chainID] = w.adapter
		chainConfigs = append(chainConfigs, diagnostics.ChainConfig{ChainID: chainID, SpokeAddresses: cc.SpokeAddressesParsed()})

		for _, addr := range cc.SpokeAddressesParsed() {
			spokeContract := w.contracts[addr]
			source := fmt.Sprintf("spoke:%d:%s", chainID, addr.Hex())
			cursorKeys = append(cursorKeys, source)
			tasks = append(tasks, scheduler.Task{Name: "monitor:" + source, Run: monitor.New(source, st, w.adapter, spokeContract).Run})

			if _, bound := controllers[chainID]; bound {
				log.Printf("chain %d has multiple spoke_addresses configured; liquidation controller stays bound to the first one, %s is monitored only", chainID, addr.Hex())
				continue
			}
			controllers[chainID] = liquidation.New(
				st, spokeContract, w.adapter, w.sender(spokeContract, fmt.Sprintf("liquidate:%d", chainID)), w.listener,
				hubContract, hubWiring.adapter, hubWiring.sender(hubContract, "settle:"+chainLabel(chainID)), hubWiring.listener,
				liquidation.Config{
					SlippageBps:       cfg.SlippageBps,
					AbsoluteMinAmount: parseAbsoluteMin(cfg.AbsoluteMinAmount),
					MaxRetries:        cfg.Retry.MaxAttempts,
					QuoteDeadline:     cfg.QuoteDeadline(),
				},
			)
		}
	}

	poolClient := poolingest.NewClient(cfg.PoolSource.URL, poolSourceAPIKey(cfg.PoolSource.CredentialPath), cfg.RPCTimeout())
	ingestor, err := poolingest.New(poolClient, st, poolingestConfig(cfg))
	if err != nil {
		log.Fatalf("build pool ingestor: %v", err)
	}
	tasks = append(tasks, scheduler.Task{Name: "pool-ingestion", Run: ingestor.Run})

	nonces := newNonceSource()
	engine := decision.New(decision.DefaultConfig())
	tasks = append(tasks, scheduler.Task{
		Name: "decision-and-dispatch",
		Run:  decisionLoop(cfg, st, engine, dispatcher, hubWiring, hubContract, nonces),
	})

	tasks = append(tasks, scheduler.Task{
		Name: "liquidation",
		Run:  liquidationLoop(cfg, st, controllers),
	})

	supervisor := scheduler.New(scheduler.Config{
		CircuitBreakerWindow:    cfg.CircuitBreakerWindow(),
		CircuitBreakerThreshold: cfg.Retry.CircuitBreakerThreshold,
		ShutdownGrace:           cfg.ShutdownGrace(),
	}, reporter)

	diag := diagnostics.New(st, diagnostics.Config{
		Chains:      chainProbes,
		ChainConfig: chainConfigs,
		CursorKeys:  cursorKeys,
		Supervisor:  supervisor,
		Manifest:    runtimeManifest(cfg),
	})
	diagAddr := cfg.DiagnosticsAddr
	if diagAddr == "" {
		diagAddr = ":8090"
	}
	httpServer := &http.Server{Addr: diagAddr, Handler: diag.Handler()}
	tasks = append(tasks, scheduler.Task{
		Name: "diagnostics-http",
		Run: func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Run(ctx, tasks); err != nil {
		log.Fatalf("supervisor: %v", err)
	}
}

func configPath() string {
	if p := os.Getenv("ORCHESTRATOR_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yml"
}

func mustEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatalf("%s must be set", name)
	}
	return v
}

// operatorCredential decrypts the operator private key from ENC_PK/KEY
// (mirroring the teacher's cmd/main.go), or mints an ephemeral one under
// test mode; submissions are signed with whichever key is returned.
func operatorCredential(cfg *configs.Config) (*ecdsa.PrivateKey, common.Address) {
	if cfg.TestMode {
		pk, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate test-mode key: %v", err)
		}
		return pk, crypto.PubkeyToAddress(pk.PublicKey)
	}
	encryptedPK := mustEnv("ENC_PK")
	key := mustEnv("KEY")
	pk, err := util.Decrypt([]byte(key), encryptedPK)
	if err != nil {
		log.Fatalf("decrypt operator key: %v", err)
	}
	return pk, crypto.PubkeyToAddress(pk.PublicKey)
}

func dialChain(chainID uint64, cc configs.ChainConfig, operator common.Address, pk *ecdsa.PrivateKey, hubABI, spokeABI abi.ABI) *chainWiring {
	client, err := ethclient.Dial(cc.RPCURL)
	if err != nil {
		log.Fatalf("dial chain %d: %v", chainID, err)
	}
	listener := txlistener.NewTxListener(client, txlistener.WithPollInterval(3*time.Second), txlistener.WithTimeout(5*time.Minute))
	writer := scheduler.NewPerChainWriter(chainID, operator, pk, 256)

	contracts := make(map[common.Address]contractclient.ContractClient)
	if cc.HubAddress != "" {
		addr := cc.HubAddressParsed()
		contracts[addr] = contractclient.NewContractClient(client, addr, hubABI)
	}
	for _, addr := range cc.SpokeAddressesParsed() {
		contracts[addr] = contractclient.NewContractClient(client, addr, spokeABI)
	}

	w := &chainWiring{chainID: chainID, client: client, listener: listener, writer: writer, contracts: contracts}
	w.adapter = chainadapter.NewEVM(chainID, client, listener, chainadapter.Capabilities{ChainID: chainID, SupportsEIP1559: true, MinConfirmations: 1}, w.lookupContract)
	return w
}

// lookupContract backs chainadapter.NewEVM's clientGetter: it resolves
// any address this chain's config named to the ContractClient built for
// it at startup.
func (w *chainWiring) lookupContract(addr common.Address) contractclient.ContractClient {
	return w.contracts[addr]
}

func chainLabel(chainID uint64) string {
	return fmt.Sprintf("%d", chainID)
}

func parseAbsoluteMin(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		log.Fatalf("absolute_min_amount %q is not a decimal integer", s)
	}
	return v
}

func poolSourceAPIKey(credentialPath string) string {
	if credentialPath == "" {
		return ""
	}
	data, err := os.ReadFile(credentialPath)
	if err != nil {
		log.Fatalf("read pool source credential %s: %v", credentialPath, err)
	}
	return strings.TrimSpace(string(data))
}

func poolingestConfig(cfg *configs.Config) poolingest.Config {
	pools := make(map[uint64][]common.Address, len(cfg.Chains))
	for chainID, cc := range cfg.Chains {
		for _, addr := range cc.SpokeAddressesParsed() {
			pools[chainID] = append(pools[chainID], addr)
		}
	}
	return poolingest.Config{
		Pools:           pools,
		FreshnessBound:  10 * time.Minute,
		MaxMissedCycles: 3,
		Interval:        cfg.PoolRefreshInterval(),
	}
}

// nonceSource hands out a monotonically increasing, process-unique nonce
// per user for the Decision Engine's fingerprint derivation (spec §3):
// it need only avoid repeating a (user, pool, amount, bounds) tuple
// within this process's lifetime, since the fingerprint already folds in
// every other field.
type nonceSource struct {
	mu      sync.Mutex
	base    uint64
	offsets map[common.Address]*atomic.Uint64
}

func newNonceSource() *nonceSource {
	return &nonceSource{base: uint64(time.Now().UnixNano()), offsets: make(map[common.Address]*atomic.Uint64)}
}

func (n *nonceSource) next(user common.Address) func() uint64 {
	n.mu.Lock()
	counter, ok := n.offsets[user]
	if !ok {
		counter = &atomic.Uint64{}
		n.offsets[user] = counter
	}
	n.mu.Unlock()
	return func() uint64 {
		return n.base + counter.Add(1)
	}
}

func decisionLoop(cfg *configs.Config, st *store.Store, engine *decision.Engine, dispatcher *dispatch.Dispatcher, hubWiring *chainWiring, hubContract contractclient.ContractClient, nonces *nonceSource) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(cfg.DecisionInterval())
		defer ticker.Stop()
		send := hubWiring.sender(hubContract, "")
		for {
			if err := runDecisionCycle(ctx, cfg, st, engine, dispatcher, hubWiring, hubContract, send, nonces); err != nil {
				log.Printf("decision cycle: %v", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

func runDecisionCycle(ctx context.Context, cfg *configs.Config, st *store.Store, engine *decision.Engine, dispatcher *dispatch.Dispatcher, hubWiring *chainWiring, hubContract contractclient.ContractClient, send func(context.Context, []byte) (common.Hash, error), nonces *nonceSource) error {
	users, err := st.ListUsers()
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, user := range users {
		positions, err := st.ListPositionsByUser(user.Address)
		if err != nil {
			return fmt.Errorf("list positions for %s: %w", user.Address.Hex(), err)
		}
		pools, err := allPools(st, cfg)
		if err != nil {
			return fmt.Errorf("list pools: %w", err)
		}
		available, err := userBalance(ctx, hubWiring, hubContract, user.Address)
		if err != nil {
			log.Printf("read hub balance for %s: %v", user.Address.Hex(), err)
			continue
		}
		intents, err := engine.Decide(time.Now(), user, pools, positions, available, nonces.next(user.Address))
		if err != nil {
			log.Printf("decide for %s: %v", user.Address.Hex(), err)
			continue
		}
		for _, intent := range intents {
			if err := dispatcher.Dispatch(ctx, intent, send); err != nil {
				log.Printf("dispatch %s/%s: %v", user.Address.Hex(), intent.PoolID.Address.Hex(), err)
			}
		}
	}
	return nil
}

// userBalance reads the hub contract's getUserBalance(user) view to back
// the Decision Engine's available-balance input (spec §6) rather than
// reusing the unrelated liquidation-floor config value.
func userBalance(ctx context.Context, hubWiring *chainWiring, hubContract contractclient.ContractClient, user common.Address) (*big.Int, error) {
	out, err := hubWiring.adapter.CallView(ctx, chainadapter.ViewCall{
		Contract: hubContract.Address(),
		Method:   "getUserBalance",
		Args:     []interface{}{user},
	})
	if err != nil {
		return nil, fmt.Errorf("getUserBalance: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getUserBalance: unexpected output count %d", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getUserBalance: unexpected output type %T", out[0])
	}
	return balance, nil
}

func allPools(st *store.Store, cfg *configs.Config) ([]*domain.Pool, error) {
	var out []*domain.Pool
	for chainID := range cfg.Chains {
		pools, err := st.ListPools(chainID)
		if err != nil {
			return nil, err
		}
		out = append(out, pools...)
	}
	return out, nil
}

func liquidationLoop(cfg *configs.Config, st *store.Store, controllers map[uint64]*liquidation.Controller) func(context.Context) error {
	statuses := []domain.PositionStatus{domain.Active, domain.LiquidationPending, domain.Liquidated}
	return func(ctx context.Context) error {
		ticker := time.NewTicker(cfg.LiquidationPollInterval())
		defer ticker.Stop()
		for {
			for _, status := range statuses {
				positions, err := st.ListByStatus(status)
				if err != nil {
					log.Printf("list positions by status %s: %v", status, err)
					continue
				}
				for _, p := range positions {
					controller, ok := controllers[p.ChainID]
					if !ok {
						continue
					}
					if err := controller.Advance(ctx, p.Fingerprint); err != nil {
						log.Printf("advance %s: %v", p.Fingerprint.Hex(), err)
					}
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

func logReports(reporter *scheduler.Reporter) {
	for rep := range reporter.Reports() {
		line, err := rep.ToJSON()
		if err != nil {
			continue
		}
		log.Println(line)
	}
}

// runtimeManifest records the runtime-dependent assumptions this
// deployment relies on (spec §4.8): which chains are expected to support
// EIP-1559 fee markets, matching the Capabilities this process configured
// each chain adapter with at dial time.
func runtimeManifest(cfg *configs.Config) *diagnostics.Manifest {
	claims := make([]diagnostics.ManifestClaim, 0, len(cfg.Chains))
	for chainID := range cfg.Chains {
		claims = append(claims, diagnostics.ManifestClaim{
			Name:                  fmt.Sprintf("chain-%d-eip1559", chainID),
			ChainID:               chainID,
			Description:           "chain's RPC supports eth_feeHistory/eth_maxPriorityFeePerGas for dynamic-fee transactions",
			VerificationProcedure: "contractclient.Client.SendRaw calls SuggestGasTipCap/HeaderByNumber on every Standard-type send; a chain lacking support surfaces as a submission failure on first use",
		})
	}
	return &diagnostics.Manifest{Claims: claims}
}
