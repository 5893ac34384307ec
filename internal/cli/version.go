package cli

import (
	"fmt"

	"github.com/kubiyabot/gha-autoscaler/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "📋 Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gha-autoscaler %s\n", version.GetVersion())
		},
	}
}
