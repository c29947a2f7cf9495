package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"qpesapay/config"
	"qpesapay/internal/adapter/chain"
	"qpesapay/internal/adapter/channel"
	"qpesapay/internal/adapter/messaging/kafka"
	"qpesapay/internal/adapter/storage/memory"
	pgStorage "qpesapay/internal/adapter/storage/postgres"
	redisStorage "qpesapay/internal/adapter/storage/redis"
	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/internal/service"
	"qpesapay/internal/worker"
	"qpesapay/pkg/logger"
	"qpesapay/pkg/money"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// repositories is the persistence backend selected by storage.driver.
type repositories struct {
	transactions ports.TransactionRepository
	settlements  ports.SettlementRepository
	merchants    ports.MerchantRepository
	idempotency  ports.IdempotencyStore
	balances     ports.BalanceProvider
	audit        ports.AuditRepository
	purger       worker.IdempotencyPurger
	health       ports.HealthChecker
}

// application holds the services shared by the serve and worker commands.
type application struct {
	cfg *config.Config
	log zerolog.Logger

	redis       *goredis.Client
	memStore    *memory.Store // set for storage.driver memory
	payments    *service.PaymentOrchestrator
	settlements *service.SettlementServiceImpl
	tracker     *service.ConfirmationTracker
	dispatcher  *service.SettlementDispatcher
	registry    *channel.Registry
	purger      worker.IdempotencyPurger
	health      []ports.HealthChecker

	closers []func()
}

// Close releases connections in reverse order of acquisition.
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func buildApplication(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *application, err error) {
	app := &application{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	if err := app.connectRedis(ctx); err != nil {
		return nil, err
	}

	repos, err := app.openRepositories(ctx)
	if err != nil {
		return nil, err
	}
	app.purger = repos.purger
	app.health = append(app.health, repos.health)

	sources, live, err := app.dialChains(ctx)
	if err != nil {
		return nil, err
	}

	rps := cfg.Chain.RequestsPerSecond
	custody := chain.NewCustodyClient(cfg.Custody, rps, log)
	app.health = append(app.health, custody)

	audit, err := app.auditService(repos)
	if err != nil {
		return nil, err
	}

	// Payment pipeline
	params, err := chain.BitcoinParams(cfg.Chain.Bitcoin.Network)
	if err != nil {
		return nil, err
	}
	validatorCfg, err := validatorConfig(cfg.Payment)
	if err != nil {
		return nil, err
	}
	fees, err := app.feeEstimator(live)
	if err != nil {
		return nil, err
	}
	app.payments = service.NewPaymentOrchestrator(
		service.NewPaymentValidator(validatorCfg, chain.NewAddressChecker(params)),
		service.NewBalanceValidator(repos.balances),
		fees,
		repos.idempotency,
		repos.transactions,
		custody,
		audit,
		service.PaymentConfig{
			Policy: domain.TransactionPolicy{
				RequiredConfirmations: cfg.Payment.RequiredConfirmations,
				MaxRetries:            cfg.Payment.MaxRetries,
				Expiry:                cfg.Payment.Expiry,
			},
			IdempotencyTTL: cfg.Idempotency.TTL,
			RetryBackoff:   cfg.Payment.RetryBackoff,
		},
		logger.Component(log, "payment_orchestrator"),
	)

	app.tracker = service.NewConfirmationTracker(
		repos.transactions,
		chain.NewRouter(sources),
		audit,
		service.TrackerConfig{BatchSize: cfg.Worker.BatchSize, Concurrency: cfg.Worker.Concurrency},
		logger.Component(log, "confirmation_tracker"),
	)

	// Settlement pipeline
	rates, err := exchangeRates(cfg.Settlement)
	if err != nil {
		return nil, err
	}
	app.registry, err = app.settlementChannels(custody, rates)
	if err != nil {
		return nil, err
	}

	policy := domain.SettlementPolicy{MaxRetries: cfg.Settlement.MaxRetries, Backoff: domain.Backoff(cfg.Settlement.Backoff)}
	if len(policy.Backoff) == 0 {
		policy.Backoff = domain.DefaultSettlementBackoff
	}
	batcher := service.NewSettlementBatcher(repos.merchants, repos.transactions, repos.settlements, rates, audit, policy, logger.Component(log, "settlement_batcher"))
	app.dispatcher = service.NewSettlementDispatcher(repos.settlements, app.registry.Channels(), audit, policy.Backoff, cfg.Settlement.SweepBatchSize, cfg.Settlement.ClaimTimeout, logger.Component(log, "settlement_dispatcher"))
	app.settlements = service.NewSettlementService(batcher, app.dispatcher, repos.merchants, repos.settlements, logger.Component(log, "settlement_service"))

	return app, nil
}

// connectRedis opens the shared client. Redis is optional unless it backs
// idempotency; without it rate limiting, callback replay detection and the
// fee-rate cache are off.
func (a *application) connectRedis(ctx context.Context) error {
	required := a.cfg.Idempotency.Backend == "redis"
	if a.cfg.Redis.Host == "" {
		if required {
			return fmt.Errorf("idempotency backend redis requires redis.host")
		}
		return nil
	}

	rdb, err := redisStorage.NewClient(ctx, a.cfg.Redis, a.log)
	if err != nil {
		if required {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.log.Warn().Err(err).Msg("Redis unavailable, rate limiting and callback replay detection disabled")
		return nil
	}
	a.redis = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.health = append(a.health, redisStorage.NewHealthCheck(rdb))
	return nil
}

func (a *application) openRepositories(ctx context.Context) (repositories, error) {
	var repos repositories

	switch a.cfg.Storage.Driver {
	case "memory":
		store := memory.NewStore()
		a.memStore = store
		repos = repositories{
			transactions: store.Transactions(),
			settlements:  store.Settlements(),
			merchants:    store.Merchants(),
			idempotency:  store.Idempotency(),
			balances:     store.Balances(),
			audit:        store.Audit(),
			health:       store,
		}
		a.log.Warn().Msg("Using in-memory storage, state is lost on restart")
	case "", "postgres":
		pool, err := pgStorage.NewPool(ctx, a.cfg.Database, a.log)
		if err != nil {
			return repos, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.log.Info().Msg("PostgreSQL connected")

		idempotency := pgStorage.NewIdempotencyRepo(pool)
		repos = repositories{
			transactions: pgStorage.NewTransactionRepo(pool),
			settlements:  pgStorage.NewSettlementRepo(pool),
			merchants:    pgStorage.NewMerchantRepo(pool),
			idempotency:  idempotency,
			balances:     pgStorage.NewBalanceRepo(pool),
			audit:        pgStorage.NewAuditRepo(pool),
			purger:       idempotency,
			health:       pgStorage.NewHealthCheck(pool),
		}
	default:
		return repos, fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)
	}

	switch a.cfg.Idempotency.Backend {
	case "", "postgres":
	case "redis":
		// Redis keys expire on their own.
		repos.idempotency = redisStorage.NewIdempotencyStore(a.redis)
		repos.purger = nil
	default:
		return repos, fmt.Errorf("unknown idempotency backend %q", a.cfg.Idempotency.Backend)
	}
	return repos, nil
}

// dialChains connects to every configured node. Networks without a node
// have no confirmation source and their payments stay in PROCESSING.
func (a *application) dialChains(ctx context.Context) (map[domain.Network]chain.NetworkSource, map[domain.Network]ports.LiveRateSource, error) {
	cfg := a.cfg.Chain
	sources := make(map[domain.Network]chain.NetworkSource)
	live := make(map[domain.Network]ports.LiveRateSource)

	if cfg.Ethereum.RPCURL != "" {
		src, client, err := chain.DialEthereum(ctx, cfg.Ethereum.RPCURL, cfg.RequestsPerSecond, a.log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial ethereum: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		sources[domain.NetworkEthereum] = src
		live[domain.NetworkEthereum] = src
		a.health = append(a.health, src)
	}
	if cfg.Bitcoin.Host != "" {
		src, client, err := chain.DialBitcoin(cfg.Bitcoin, cfg.RequestsPerSecond, a.log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial bitcoin: %w", err)
		}
		a.closers = append(a.closers, client.Shutdown)
		sources[domain.NetworkBitcoin] = src
		live[domain.NetworkBitcoin] = src
		a.health = append(a.health, src)
	}
	if cfg.Tron.APIURL != "" {
		src := chain.NewTronSource(cfg.Tron.APIURL, cfg.Tron.APIKey, cfg.RequestsPerSecond, cfg.Timeout, a.log)
		sources[domain.NetworkTron] = src
		a.health = append(a.health, src)
	}

	for _, n := range domain.Networks {
		if _, ok := sources[n]; !ok {
			a.log.Warn().Str("network", string(n)).Msg("no confirmation source configured")
		}
	}
	return sources, live, nil
}

func (a *application) auditService(repos repositories) (*service.AuditService, error) {
	var publishers []ports.AuditPublisher

	if a.cfg.Kafka.Enabled {
		pub := kafka.NewAuditPublisher(a.cfg.Kafka.Brokers, a.cfg.Kafka.AuditTopic, a.log)
		a.closers = append(a.closers, func() { _ = pub.Close() })
		publishers = append(publishers, pub)
	}

	if a.cfg.Security.EncryptionKey != "" {
		encryption, err := service.NewAESEncryptionService(a.cfg.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize encryption service: %w", err)
		}
		publishers = append(publishers, service.NewWebhookNotifier(
			repos.merchants,
			encryption,
			service.NewHMACSignatureService(),
			&http.Client{Timeout: 10 * time.Second},
			logger.Component(a.log, "webhook_notifier"),
		))
	} else {
		a.log.Warn().Msg("security.encryption_key not set, merchant webhooks disabled")
	}

	return service.NewAuditService(repos.audit, logger.Component(a.log, "audit"), publishers...), nil
}

func (a *application) feeEstimator(live map[domain.Network]ports.LiveRateSource) (*service.FeeEstimator, error) {
	cfg := a.cfg.Fees

	static, err := networkDecimals(cfg.StaticRates)
	if err != nil {
		return nil, fmt.Errorf("fees.static_rates: %w", err)
	}
	quotes, err := networkDecimals(cfg.NativeQuotePrices)
	if err != nil {
		return nil, fmt.Errorf("fees.native_quote_prices: %w", err)
	}
	feeCfg := service.DefaultFeeConfig()
	feeCfg.NativeQuotePrices = quotes
	if cfg.GasUnits > 0 {
		feeCfg.GasUnits = cfg.GasUnits
	}
	if cfg.TxSizeBytes > 0 {
		feeCfg.TxSizeBytes = cfg.TxSizeBytes
	}
	if cfg.PlatformFeePercentage != "" {
		if feeCfg.PlatformFeePercentage, err = decimal.NewFromString(cfg.PlatformFeePercentage); err != nil {
			return nil, fmt.Errorf("fees.platform_fee_percentage: %w", err)
		}
	}

	fallback := service.NewStaticRateProvider(static)
	if !cfg.Dynamic {
		return service.NewFeeEstimator(fallback, feeCfg), nil
	}

	var cache ports.FeeRateCache
	if a.redis != nil {
		cache = redisStorage.NewFeeRateCache(a.redis)
	}
	return service.NewFeeEstimator(service.NewDynamicRateProvider(fallback, live, cache, cfg.CacheTTL, logger.Component(a.log, "fee_rates")), feeCfg), nil
}

func (a *application) settlementChannels(custody ports.BlockchainExecutor, rates ports.ExchangeRateProvider) (*channel.Registry, error) {
	cfg := a.cfg
	rps := cfg.Chain.RequestsPerSecond
	var channels []ports.SettlementChannel

	if cfg.Mpesa.ConsumerKey != "" {
		channels = append(channels, channel.NewMpesaChannel(cfg.Mpesa, rps, a.log))
	}
	if cfg.Bank.BaseURL != "" {
		channels = append(channels, channel.NewBankChannel(cfg.Bank, rps, a.log))
	}
	if cfg.Settlement.PayoutWallet != "" {
		currency, err := money.ParseCurrency(cfg.Settlement.PayoutCurrency)
		if err != nil {
			return nil, fmt.Errorf("settlement.payout_currency: %w", err)
		}
		network, err := domain.ParseNetwork(cfg.Settlement.PayoutNetwork)
		if err != nil {
			return nil, fmt.Errorf("settlement.payout_network: %w", err)
		}
		channels = append(channels, channel.NewCryptoWalletChannel(custody, rates, currency, network, cfg.Settlement.PayoutWallet, a.log))
	}

	if len(channels) == 0 {
		a.log.Warn().Msg("no settlement channels configured, settlements will fail to dispatch")
	}
	return channel.NewRegistry(channels...), nil
}

func validatorConfig(cfg config.PaymentConfig) (service.ValidatorConfig, error) {
	vc := service.DefaultValidatorConfig()
	if cfg.MaxDescriptionLength > 0 {
		vc.MaxDescriptionLength = cfg.MaxDescriptionLength
	}
	for code, limit := range cfg.Limits {
		currency, err := money.ParseCurrency(code)
		if err != nil {
			return vc, fmt.Errorf("payment.limits: %w", err)
		}
		lo, err := money.Parse(limit.Min, currency)
		if err != nil {
			return vc, fmt.Errorf("payment.limits.%s.min: %w", code, err)
		}
		hi, err := money.Parse(limit.Max, currency)
		if err != nil {
			return vc, fmt.Errorf("payment.limits.%s.max: %w", code, err)
		}
		vc.Limits[currency] = service.AmountLimits{Min: lo, Max: hi}
	}
	return vc, nil
}

func exchangeRates(cfg config.SettlementConfig) (*service.StaticExchangeRates, error) {
	base, err := money.ParseCurrency(cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("settlement.currency: %w", err)
	}
	quotes := make(map[money.Currency]decimal.Decimal, len(cfg.ExchangeRates))
	for code, raw := range cfg.ExchangeRates {
		currency, err := money.ParseCurrency(code)
		if err != nil {
			return nil, fmt.Errorf("settlement.exchange_rates: %w", err)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("settlement.exchange_rates.%s: %w", code, err)
		}
		quotes[currency] = rate
	}
	return service.NewStaticExchangeRates(base, quotes), nil
}

func networkDecimals(raw map[string]string) (map[domain.Network]decimal.Decimal, error) {
	out := make(map[domain.Network]decimal.Decimal, len(raw))
	for name, value := range raw {
		network, err := domain.ParseNetwork(name)
		if err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[network] = d
	}
	return out, nil
}
