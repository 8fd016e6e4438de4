// Package logging 提供了统一的结构化日志（slog）封装，支持日志切割、多目标输出、运行时调级与 OpenTelemetry 追踪上下文注入。
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"go.opentelemetry.io/otel/trace" // OpenTelemetry追踪
)

var (
	// defaultLogger 是全局默认的Logger实例。
	defaultLogger *Logger
	// once 保证默认 Logger 只被懒初始化一次。
	once sync.Once
	mu   sync.RWMutex
	// level 全局默认 Logger 的日志级别，SetLevel 与配置热更新只调整它。
	level = new(slog.LevelVar)
)

// Config 定义日志配置
type Config struct {
	Service    string
	Module     string
	Level      string
	Output     string // stdout | file | both，为空时按 File 是否配置自动选择
	File       string // 日志文件路径
	MaxSize    int    // 每个日志文件最大尺寸 (MB)
	MaxBackups int    // 保留旧日志文件的最大个数
	MaxAge     int    // 保留旧日志文件的最大天数
	Compress   bool   // 是否压缩旧日志

	writer io.Writer // 测试注入的输出目标，优先于 Output
}

// Logger 结构体封装了原生的 `*slog.Logger`，并添加了服务名和模块名，方便在日志中区分来源。
type Logger struct {
	*slog.Logger
	Service string // 服务名称
	Module  string // 模块名称

	level *slog.LevelVar
}

// TraceHandler 是一个自定义的 `slog.Handler` 装饰器，用于从 `context.Context` 中提取并注入 `trace_id` 和 `span_id` 到日志记录中。
type TraceHandler struct {
	slog.Handler
}

// Handle 在处理日志记录之前尝试从上下文获取 SpanContext，有效时注入 trace_id 和 span_id。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保持装饰器在派生 Handler 上依然生效。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保持装饰器在派生 Handler 上依然生效。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level，未知值按 info 处理。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel 运行时调整全局默认 Logger 的日志级别，配置热更新时调用。
// 由 NewFromConfig 单独创建的 Logger 不受影响。
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// SetLevel 调整当前 Logger（及由它 With 派生出的 Logger）的日志级别。
func (l *Logger) SetLevel(s string) {
	if l.level == nil {
		return
	}
	l.level.Set(ParseLevel(s))
}

// NewFromConfig 创建一个新的Logger实例，级别独立于其他 Logger。
// 支持通过 Config 结构体配置日志切割与输出目标。
func NewFromConfig(cfg Config) *Logger {
	return newLogger(cfg, new(slog.LevelVar))
}

func newLogger(cfg Config, lv *slog.LevelVar) *Logger {
	lv.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level: lv,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	}

	var handler slog.Handler
	switch {
	case cfg.writer != nil:
		handler = slog.NewJSONHandler(cfg.writer, opts)
	case cfg.File != "" && cfg.Output == "both":
		handler = newMultiHandler(
			slog.NewJSONHandler(os.Stdout, opts),
			slog.NewJSONHandler(fileWriter(cfg), opts),
		)
	case cfg.File != "" && cfg.Output != "stdout":
		// 如果配置了文件路径，则使用 lumberjack 进行日志切割
		handler = slog.NewJSONHandler(fileWriter(cfg), opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(&TraceHandler{Handler: handler}).With(
		slog.String("service", cfg.Service),
		slog.String("module", cfg.Module),
	)

	return &Logger{
		Logger:  logger,
		Service: cfg.Service,
		Module:  cfg.Module,
		level:   lv,
	}
}

func fileWriter(cfg Config) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize, // MB
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
	}
}

// NewLogger 是创建一个带有简单参数的 logger 的兼容别名。
func NewLogger(service, module string, level ...string) *Logger {
	lvl := "info"
	if len(level) > 0 {
		lvl = level[0]
	}
	return NewFromConfig(Config{
		Service: service,
		Module:  module,
		Level:   lvl,
	})
}

// With 派生一个属于其他模块的 Logger，共享输出目标与级别。
func (l *Logger) With(module string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(slog.String("component", module)),
		Service: l.Service,
		Module:  module,
		level:   l.level,
	}
}

// InitLogger 初始化全局默认日志记录器，仅在尚未初始化时生效。
func InitLogger(service, module string, level ...string) {
	once.Do(func() {
		lvl := "info"
		if len(level) > 0 {
			lvl = level[0]
		}
		setDefault(Config{
			Service: service,
			Module:  module,
			Level:   lvl,
		})
	})
}

// InitFromConfig 以完整配置初始化（或替换）全局默认日志记录器，并设为 slog 默认 Logger。
func InitFromConfig(cfg Config) *Logger {
	once.Do(func() {})
	return setDefault(cfg)
}

func setDefault(cfg Config) *Logger {
	l := newLogger(cfg, level)

	mu.Lock()
	defaultLogger = l
	mu.Unlock()

	slog.SetDefault(l.Logger)
	return l
}

// Default 返回默认日志记录器实例
func Default() *Logger {
	InitLogger("default", "default", "info")

	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// LogDuration 记录操作耗时
func (l *Logger) LogDuration(ctx context.Context, operation string, args ...any) func() {
	start := time.Now()
	return func() {
		logArgs := append(args, "duration", time.Since(start))
		l.DebugContext(ctx, fmt.Sprintf("%s finished", operation), logArgs...)
	}
}
