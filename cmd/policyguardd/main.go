package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kledx/shll-sub001/internal/api"
	"github.com/kledx/shll-sub001/internal/config"
	"github.com/kledx/shll-sub001/internal/events"
	"github.com/kledx/shll-sub001/internal/guard"
	"github.com/kledx/shll-sub001/internal/ledger"
	"github.com/kledx/shll-sub001/internal/observability/metrics"
	"github.com/kledx/shll-sub001/internal/plugins"
	"github.com/kledx/shll-sub001/internal/policy"
	"github.com/kledx/shll-sub001/internal/registry"
	"github.com/kledx/shll-sub001/internal/storage"
	"github.com/kledx/shll-sub001/internal/storage/memory"
	"github.com/kledx/shll-sub001/internal/storage/mysql"
	"github.com/kledx/shll-sub001/internal/storage/redis"
	"github.com/kledx/shll-sub001/internal/web3"
	"github.com/kledx/shll-sub001/internal/web3/ethereum"
	"github.com/kledx/shll-sub001/pkg/logger"
	"github.com/kledx/shll-sub001/pkg/plugin"
)

// main 是 PolicyGuard 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("policyguardd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("policyguardd")

	authority, ids, err := cfg.Identities.Resolve()
	if err != nil {
		return err
	}

	kv, locker, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer kv.Close()

	oracle, memOracle, closeOracle, err := openOracle(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer closeOracle()

	publisher, err := openEvents(ctx, cfg.Events, kv)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("关闭事件发布器失败", "error", err)
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		go func() {
			if err := m.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", "error", err)
			}
		}()
	}

	clock := ledger.SystemClock{}
	policies := policy.NewService(kv, authority)
	reg := registry.New(kv)
	manager := plugin.NewManager(kv)

	access := plugins.Access{Oracle: oracle, Authority: authority}
	set := pluginSet{
		receiver:       plugins.NewReceiverGuard(),
		tokenWhitelist: plugins.NewTokenWhitelist(kv, access),
		dexWhitelist:   plugins.NewDexWhitelist(kv, access),
		spendingLimit:  plugins.NewSpendingLimit(kv, access, clock, ids.Self),
		cooldown:       plugins.NewCooldown(kv, access, clock, ids.Self),
		defiGuard:      plugins.NewDeFiGuard(kv, access),
	}
	if err := set.register(manager); err != nil {
		return err
	}

	g := guard.New(kv, ids, policies, reg, manager, oracle,
		guard.WithClock(clock),
		guard.WithLocker(locker),
		guard.WithPublisher(publisher),
		guard.WithMetrics(m),
	)

	if cfg.Bootstrap != "" {
		boot, err := config.LoadBootstrap(cfg.Bootstrap)
		if err != nil {
			return err
		}
		if err := boot.Apply(ctx, config.Targets{
			Authority:      authority,
			Policies:       policies,
			Registry:       reg,
			Plugins:        manager,
			Guard:          g,
			Oracle:         memOracle,
			SpendingLimit:  set.spendingLimit,
			Cooldown:       set.cooldown,
			TokenWhitelist: set.tokenWhitelist,
			DexWhitelist:   set.dexWhitelist,
			DeFiGuard:      set.defiGuard,
		}); err != nil {
			return fmt.Errorf("应用引导配置失败: %w", err)
		}
		log.Info("引导配置已应用", "path", cfg.Bootstrap)
	}

	server := api.NewServer(cfg.Server.Address, g,
		api.WithMetrics(m),
		api.WithClock(clock),
		api.WithCommitWindow(time.Duration(cfg.Server.CommitWindowSeconds)*time.Second),
	)
	log.Info("policyguardd 启动",
		"address", cfg.Server.Address,
		"storage", cfg.Storage.Driver,
		"oracle", cfg.Web3.Oracle,
		"relay", ids.Relay.Hex(),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type pluginSet struct {
	receiver       *plugins.ReceiverGuard
	tokenWhitelist *plugins.TokenWhitelist
	dexWhitelist   *plugins.DexWhitelist
	spendingLimit  *plugins.SpendingLimit
	cooldown       *plugins.Cooldown
	defiGuard      *plugins.DeFiGuard
}

func (s pluginSet) register(m *plugin.Manager) error {
	for _, p := range []plugin.Policy{s.receiver, s.tokenWhitelist, s.dexWhitelist, s.spendingLimit, s.cooldown, s.defiGuard} {
		if err := m.Register(p); err != nil {
			return fmt.Errorf("注册插件 %s 失败: %w", p.PolicyType(), err)
		}
	}
	return nil
}

// openStorage 按驱动创建 KV 与实例锁。redis 与 mysql 后端自带分布式锁。
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.KV, storage.Locker, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), memory.NewLocker(), nil
	case "redis":
		store, err := redis.New(ctx, redis.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
			LockTTL:   time.Duration(cfg.Redis.LockTTLSeconds) * time.Second,
			LockRetry: time.Duration(cfg.Redis.LockRetryMillis) * time.Millisecond,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case "mysql":
		store, err := mysql.New(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
			LockWait:        time.Duration(cfg.MySQL.LockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

// openOracle 返回 NFA oracle。memory 模式下同时返回可写的 MemoryOracle 供引导写入 agents。
func openOracle(ctx context.Context, cfg config.Web3Config) (web3.Oracle, *web3.MemoryOracle, func(), error) {
	switch cfg.Oracle {
	case "", "memory":
		o := web3.NewMemoryOracle()
		return o, o, func() {}, nil
	case "ethereum":
		rpcURL, contract := cfg.RPCURL, cfg.NFAContract
		if rpcURL == "" || contract == "" {
			defs, err := web3.LoadChainDefinitions(cfg.ChainsFile)
			if err != nil {
				return nil, nil, nil, err
			}
			def, err := defs.Select(cfg.Chain)
			if err != nil {
				return nil, nil, nil, err
			}
			if rpcURL == "" {
				rpcURL = def.RPCURL
			}
			if contract == "" {
				contract = def.NFAContract
			}
		}
		if !common.IsHexAddress(contract) {
			return nil, nil, nil, fmt.Errorf("无效的 NFA 合约地址 %q", contract)
		}
		o, err := ethereum.Dial(ctx, rpcURL, common.HexToAddress(contract))
		if err != nil {
			return nil, nil, nil, err
		}
		return o, nil, o.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的 oracle 类型: %s", cfg.Oracle)
	}
}

// openEvents 组合所有启用的事件发布目标。Redis 事件未配置地址且账本使用 Redis 时复用账本连接。
func openEvents(ctx context.Context, cfg config.EventsConfig, kv storage.KV) (*events.Fanout, error) {
	fanout := events.NewFanout()
	if cfg.Memory.Enabled {
		bus := events.NewMemoryBus(cfg.Memory.Buffer)
		fanout.Add("memory", bus)
		go drainMemoryBus(ctx, bus)
	}
	if cfg.Redis.Enabled {
		redisCfg := events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			List:     cfg.Redis.List,
			MaxLen:   cfg.Redis.MaxLen,
		}
		if store, ok := kv.(*redis.Store); ok && redisCfg.Address == "" {
			fanout.Add("redis", events.NewRedisStreamWithClient(store.Client(), redisCfg))
		} else {
			stream, err := events.NewRedisStream(ctx, redisCfg)
			if err != nil {
				_ = fanout.Close()
				return nil, err
			}
			fanout.Add("redis", stream)
		}
	}
	if cfg.RabbitMQ.Enabled {
		stream, err := events.NewRabbitMQStream(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Queue:    cfg.RabbitMQ.Queue,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			_ = fanout.Close()
			return nil, err
		}
		fanout.Add("rabbitmq", stream)
	}
	return fanout, nil
}

// drainMemoryBus 把进程内事件写入审计日志。
func drainMemoryBus(ctx context.Context, bus *events.MemoryBus) {
	audit := logger.Audit()
	err := bus.Consume(ctx, 1, func(_ context.Context, e events.Event) error {
		audit.Info("guard event", "event", e)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Named("events").Warn("进程内事件消费退出", "error", err)
	}
}
