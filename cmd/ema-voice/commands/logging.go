package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// setupLogging routes the CLI's slog output and the pipeline's otelslog
// records to the same writer. The terminal belongs to the UI while it runs,
// so quiet commands log nowhere unless --log-file is given.
func setupLogging(quiet bool) (shutdown func(), err error) {
	var w io.Writer = os.Stderr
	var file *os.File
	switch {
	case logFile != "":
		file, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = file
	case quiet:
		w = io.Discard
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))

	if !verbose && logFile == "" {
		return func() { closeQuietly(file) }, nil
	}

	exporter, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		closeQuietly(file)
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)))
	global.SetLoggerProvider(provider)

	return func() {
		if err := provider.Shutdown(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("failed to shut down log provider", "error", err)
		}
		closeQuietly(file)
	}, nil
}

func closeQuietly(file *os.File) {
	if file != nil {
		_ = file.Close()
	}
}
