package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW       io.Writer
	errW       io.Writer
	inR        io.Reader
	logger     *slog.Logger
	config     *Config
	metrics    *metrics
	getenv     func(string) string
	ctx        context.Context
	httpServer *http.Server
}

// NewApp is the constructor for the main application. Greeting lines and
// command output go to outW; logs and run summaries go to errW.
func NewApp(outW, errW io.Writer, cfg *Config) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, errW)
	logger.Debug("Logger configured successfully.")

	return &App{
		outW:    outW,
		errW:    errW,
		inR:     os.Stdin,
		logger:  logger,
		config:  cfg,
		metrics: newMetrics(),
		getenv:  os.Getenv,
	}
}

// Logger returns the application's logger.
func (app *App) Logger() *slog.Logger {
	return app.logger
}
