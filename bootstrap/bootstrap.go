// Package bootstrap 按配置依次初始化日志、链路追踪与指标，并据此打开版本仓库。
package bootstrap

import (
	"context"
	"log/slog"

	"github.com/wyfcoding/pstree/algorithm/persistent"
	"github.com/wyfcoding/pstree/config"
	"github.com/wyfcoding/pstree/logging"
	"github.com/wyfcoding/pstree/metrics"
	"github.com/wyfcoding/pstree/tracing"
	"github.com/wyfcoding/pstree/versionstore"
)

// Bootstrapper 处理通用基础设施的初始化
type Bootstrapper struct {
	ServiceName string
	Version     string
	Config      *config.Config
	Logger      *logging.Logger
	Metrics     *metrics.Metrics

	storeMetrics *versionstore.Metrics
	cleanups     []func()
}

// New 创建一个新的引导器实例
func New(serviceName, version string) *Bootstrapper {
	return &Bootstrapper{
		ServiceName: serviceName,
		Version:     version,
		Config:      &config.Config{},
	}
}

// Initialize 加载配置文件并按 [log] 段初始化全局日志。
// 日志级别随配置热更新同步变化。
func (b *Bootstrapper) Initialize(configPath string) error {
	if err := config.Load(configPath, b.Config); err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		return err
	}

	lc := b.Config.Log
	b.Logger = logging.InitFromConfig(logging.Config{
		Service:    b.ServiceName,
		Module:     "bootstrap",
		Level:      lc.Level,
		Output:     lc.Output,
		File:       lc.File,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
	})

	config.PrintWithMask(b.Config)
	b.Logger.Info("bootstrap initialized", "version", b.Version, "environment", b.Config.Server.Environment)
	return nil
}

// SetupTracing 初始化 OpenTelemetry 追踪器
func (b *Bootstrapper) SetupTracing() {
	cfg := b.Config.Tracing
	if cfg.ServiceName == "" {
		cfg.ServiceName = b.ServiceName
	}
	shutdown, err := tracing.InitTracer(cfg)
	if err != nil {
		b.Logger.Error("failed to init tracer", "error", err)
		return
	}
	b.cleanups = append(b.cleanups, func() {
		if err := shutdown(context.Background()); err != nil {
			b.Logger.Error("failed to shutdown tracer", "error", err)
		}
	})
}

// SetupMetrics 创建指标注册表，metrics.enabled 为真时在独立端口暴露。
func (b *Bootstrapper) SetupMetrics() {
	b.Metrics = metrics.NewMetrics(b.ServiceName)
	b.Metrics.RegisterBuildInfo(b.ServiceName, b.Version)
	b.storeMetrics = versionstore.NewMetrics(b.Metrics)

	if cfg := b.Config.Metrics; cfg.Enabled && cfg.Port != "" {
		b.cleanups = append(b.cleanups, b.Metrics.ExposeHttp(cfg.Port, cfg.Path))
		b.Logger.Info("metrics exposed", "port", cfg.Port, "path", cfg.Path)
	}
}

// Shutdown 逆序执行清理函数。
func (b *Bootstrapper) Shutdown() {
	for i := len(b.cleanups) - 1; i >= 0; i-- {
		b.cleanups[i]()
	}
	b.cleanups = nil
}

// OpenStore 按 [tree] 与 [store] 段打开一个版本仓库，并挂上引导器的日志与指标。
// Go 不支持泛型方法，因此以函数形式提供。
func OpenStore[V any](b *Bootstrapper, name string, alg persistent.Algebra[V]) (*versionstore.Store[V], error) {
	opts := []versionstore.Option{versionstore.WithMetrics(b.storeMetrics)}
	if b.Logger != nil {
		opts = append(opts, versionstore.WithLogger(b.Logger.With("versionstore")))
	}

	s, err := versionstore.Open(name, alg, b.Config.Tree, b.Config.Store, opts...)
	if err != nil {
		return nil, err
	}
	b.cleanups = append(b.cleanups, func() {
		if err := s.Close(); err != nil {
			b.Logger.Error("failed to close store", "store", name, "error", err)
		}
	})
	return s, nil
}
