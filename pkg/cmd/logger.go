package cmd

import (
	"context"
	"log/slog"

	"github.com/ksysoev/hyphe-text-indexer/pkg/logfanin"
)

// initLogger wires the global slog default onto the log fan-in bus
// (spec §4.7): every InfoContext/WarnContext/etc. call anywhere in the
// process now flows onto bus, and the caller is responsible for starting
// logfanin.Listen(ctx, bus, ...) to actually drain it to sinks.
func initLogger(bus logfanin.Bus, flags *cmdFlags) error {
	slog.SetDefault(slog.New(logfanin.NewHandler(bus)))

	return nil
}

func parseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}

	return level
}

func startLogListener(ctx context.Context, bus logfanin.Bus, logFilePath string, flags *cmdFlags) {
	go logfanin.Listen(ctx, bus, logFilePath, parseLevel(flags.LogLevel))
}
