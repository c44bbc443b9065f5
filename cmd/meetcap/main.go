package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/meetcap/meetcap/internal/config"
	"github.com/meetcap/meetcap/internal/logging"
)

var (
	version   = "0.1.0"
	cfgFile   string
	outputDir string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "meetcap",
	Short: "Meeting recorder",
	Long:  `meetcap joins a video meeting in Chrome, records the screen and microphone, and stops on its own once the meeting empties out.`,
}

var recordCmd = &cobra.Command{
	Use:   "record <meeting-url>",
	Short: "Join a meeting and record it until it ends",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runRecord(args[0]))
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(listDevices(cmd.OutOrStdout()))
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this machine can record",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDoctor(cmd.OutOrStdout()))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meetcap v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is meetcap.yaml in the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	recordCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory for recordings (default ~/Documents/meetcap)")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads, applies flag overrides, validates and initializes
// logging. The returned closer flushes the log file.
func loadConfig() (*config.Config, io.Closer, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)

	closer, err := initLogging(cfg)
	if err != nil {
		return nil, nil, err
	}

	res := cfg.ValidateTiered()
	if res.HasFatals() {
		closer.Close()
		msg := "invalid configuration:"
		for _, e := range res.Fatals {
			msg += "\n  " + e.Error()
		}
		return nil, nil, errors.New(msg)
	}
	for _, w := range res.Warnings {
		logging.L("config").Warn("config corrected", logging.KeyError, w)
	}
	return cfg, closer, nil
}

func applyFlags(cfg *config.Config) {
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}

func initLogging(cfg *config.Config) (io.Closer, error) {
	if cfg.Log.File == "" {
		logging.Init(cfg.Log.Format, cfg.Log.Level, os.Stderr)
		return io.NopCloser(nil), nil
	}
	rw, err := logging.NewRotatingWriter(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.Log.Format, cfg.Log.Level, logging.Tee(os.Stderr, rw))
	return rw, nil
}
