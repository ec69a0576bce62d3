package cmd

import (
	"github.com/spf13/cobra"

	"github.com/shanrichard/browserFairy/internal/engine"
)

func getMonitorCmd(root *rootCommand) *cobra.Command {
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "continuously monitor every page of a running browser",
		Long: `Attach to a running Chromium-family browser over its debugging
protocol and continuously record memory, GC, long-task, network, console,
storage, and allocation-sampling telemetry, grouped per host, until
interrupted or the configured duration elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := getConsolidatedConfig(root.fs, root.cfgFile, configFromFlags(cmd.Flags()))
			if err != nil {
				return err
			}
			duration, err := conf.ParsedDuration()
			if err != nil {
				return err
			}

			eng := engine.New(engine.Config{
				Browser:        engine.NewRemoteBrowser(conf.Endpoint()),
				Fs:             root.fs,
				DataDir:        conf.DataDir.String,
				Duration:       duration,
				MaxSessions:    int(conf.MaxTabs.Int64),
				BatchFlush:     conf.BatchFlush.Bool,
				SourceMaps:     !conf.NoSourceMap.Bool,
				MaxValueLength: int(conf.MaxValueLength.Int64),
				Logger:         root.logger,
			})
			return eng.Run(root.ctx)
		},
	}
	monitorCmd.Flags().SortFlags = false
	monitorCmd.Flags().AddFlagSet(engineFlagSet())
	return monitorCmd
}
