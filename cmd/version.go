package cmd

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/shanrichard/browserFairy/internal/engine"
)

func getVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "show application version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fprintf(stdout, "browserfairy v%s (%s, %s/%s)\n",
				engine.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
