package di

import (
	"os"

	"github.com/rs/zerolog"
)

// ProvideLogger creates a new zerolog.Logger configured for the runtime environment.
// Under a CI runner (CI=true) or in Lambda it writes JSON so the platform can
// index fields; on a terminal it uses console format with pretty printing.
func ProvideLogger(level zerolog.Level) zerolog.Logger {
	if os.Getenv("CI") == "true" || os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Logger()
	}

	// Running in terminal - use console format with colors
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
