package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	"github.com/spf13/cobra"

	"github.com/tpatki/merlin/monitor"
	"github.com/tpatki/merlin/taskqueue"
)

var log = logging.MustGetLogger("log")

// InitLogger Receives the log level to be set in go-logging as a string. This method
// parses the string and set the level to the logger. If the level string is not
// valid an error is returned
func InitLogger(logLevel string) error {
	baseBackend := logging.NewLogBackend(os.Stdout, "", 0)
	format := logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05} %{level:.5s}     %{message}`,
	)
	backendFormatter := logging.NewBackendFormatter(baseBackend, format)

	backendLeveled := logging.AddModuleLevel(backendFormatter)
	logLevelCode, err := logging.LogLevel(logLevel)
	if err != nil {
		return err
	}
	backendLeveled.SetLevel(logLevelCode, "")

	// Set the backends to be used.
	logging.SetBackend(backendLeveled)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "merlin",
		Short:         "Task queue monitoring for distributed worker pools",
		Long:          "merlin watches the queues and workers of a running job and decides whether the surrounding allocation still has work to do.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "config.json", "Broker configuration file")

	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newQueryWorkersCmd())
	rootCmd.AddCommand(newStopWorkersCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var noWorkers *monitor.NoWorkersError
		switch {
		case errors.As(err, &noWorkers):
			log.Criticalf("workers never started: %v", err)
		case taskqueue.IsUnavailable(err):
			log.Criticalf("task server unreachable: %v", err)
		default:
			log.Criticalf("%v", err)
		}
		os.Exit(1)
	}
}

// setup loads the broker config, applies the log level and opens the
// configured backend. Callers own the returned backend and must Close it.
func setup(cmd *cobra.Command) (*Config, taskqueue.Backend, error) {
	configPath, _ := cmd.Flags().GetString("config")
	config, err := InitConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := InitLogger(config.LogLevel); err != nil {
		return nil, nil, err
	}

	backend, err := newBackend(config)
	if err != nil {
		return nil, nil, err
	}
	return config, backend, nil
}
