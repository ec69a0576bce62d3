package cmd

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/shanrichard/browserFairy/internal/cdp"
	"github.com/shanrichard/browserFairy/internal/monitor"
	"github.com/shanrichard/browserFairy/internal/record"
	"github.com/shanrichard/browserFairy/internal/registry"
)

// snapSession adapts a bare attached channel to the collector session
// interface: snapshots need no collectors, just tagged calls.
type snapSession struct {
	*cdp.Session
	host string
	url  string
}

func (s snapSession) Host() string { return s.host }
func (s snapSession) URL() string  { return s.url }

func getSnapshotCmd(root *rootCommand) *cobra.Command {
	var hostFilter string
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "dump DOM storage of matching pages to stdout",
		Long: `Enumerate localStorage and sessionStorage of every monitorable page,
optionally filtered by host, and print one domstorage_snapshot record per
page as NDJSON.`,
		Args: cobra.NoArgs,
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

			emit := monitor.EmitterFunc(func(_, _ string, rec record.Record) {
				line, err := json.Marshal(rec)
				if err != nil {
					return
				}
				fprintf(stdout, "%s\n", line)
			})

			matched := 0
			for _, t := range reg.Snapshot() {
				if hostFilter != "" && t.Host != hostFilter {
					continue
				}
				matched++
				if err := snapshotTarget(root.ctx, client, t, emit, int(conf.MaxValueLength.Int64)); err != nil {
					root.logger.WithError(err).WithField("targetID", t.ID).Warn("snapshot failed")
				}
			}
			if matched == 0 {
				return errors.New("no matching pages")
			}
			return nil
		},
	}
	snapshotCmd.Flags().SortFlags = false
	snapshotCmd.Flags().StringVar(&hostFilter, "filter-host", "", "only snapshot pages of this host")
	snapshotCmd.Flags().AddFlagSet(engineFlagSet())
	return snapshotCmd
}

func snapshotTarget(ctx context.Context, client *cdp.Client, t registry.TargetInfo, emit monitor.Emitter, maxValue int) error {
	cdpSess, err := client.AttachToTarget(ctx, t.ID)
	if err != nil {
		return err
	}
	defer cdpSess.Close(ctx)
	if _, err := cdpSess.Call(ctx, "Runtime.enable", nil); err != nil {
		return err
	}
	return monitor.Snapshot(ctx, snapSession{Session: cdpSess, host: t.Host, url: t.URL}, emit, maxValue)
}
