package cli

import (
	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send queued reports and clear the message queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Flush(cmd.Context())
	},
}
