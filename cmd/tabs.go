package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/registry"
)

func getTabsCmd(root *rootCommand) *cobra.Command {
	tabsCmd := &cobra.Command{
		Use:   "tabs",
		Short: "list the monitorable pages of a running browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := getConsolidatedConfig(root.fs, root.cfgFile, configFromFlags(cmd.Flags()))
			if err != nil {
				return err
			}
			client, err := cdp.Connect(root.ctx, conf.Endpoint(), root.logger)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			reg := registry.New(client, registry.Hooks{}, root.logger)
			if err := reg.Start(root.ctx); err != nil {
				return err
			}
			targets := reg.Snapshot()

			hostColor := color.New(color.FgCyan, color.Bold)
			dimColor := color.New(color.Faint)
			if len(targets) == 0 {
				fprintf(stdout, "no monitorable pages\n")
				return nil
			}
			for _, t := range targets {
				fprintf(stdout, "%s  %s\n", hostColor.Sprint(t.Host), t.Title)
				fprintf(stdout, "    %s  %s\n", t.URL, dimColor.Sprint(t.ID))
			}
			return nil
		},
	}
	tabsCmd.Flags().SortFlags = false
	tabsCmd.Flags().AddFlagSet(engineFlagSet())
	return tabsCmd
}
