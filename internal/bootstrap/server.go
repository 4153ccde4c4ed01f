package bootstrap

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/eleven-am/voicechat/internal/devserver"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func NewLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func NewDatabase(cfg *Config) (*gorm.DB, error) {
	dsn := cfg.DatabaseDSN
	if cfg.SQLiteBusy > 0 {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_busy_timeout=" + strconv.Itoa(cfg.SQLiteBusy)
	}
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func NewEchoServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	return e
}

func ProvideStore(db *gorm.DB) *devserver.Store {
	return devserver.NewStore(db)
}

func RunMigrations(store *devserver.Store) error {
	return store.Migrate()
}

func ProvideHandler(store *devserver.Store, log *slog.Logger) *devserver.Handler {
	return devserver.NewHandler(store, log)
}

func RegisterRoutes(e *echo.Echo, h *devserver.Handler) {
	h.Register(e)
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
}

func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *Config, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("devserver listening", "addr", cfg.ServerAddr)
				if err := e.Start(cfg.ServerAddr); err != nil && err != http.ErrServerClosed {
					log.Error("server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(
		LoadConfig,
		NewLogger,
		NewDatabase,
		NewEchoServer,
		ProvideStore,
		ProvideHandler,
	),
	fx.Invoke(RunMigrations),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(StartServer),
)

func Run() {
	fx.New(Module).Run()
}
