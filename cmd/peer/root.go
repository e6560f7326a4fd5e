package main

import (
	"github.com/spf13/cobra"
)

var flagServer string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "zlover-peer",
	Short: "Headless room participant",
	Long: `zlover-peer joins a room on a zlover signaling server and opens a
WebRTC data channel with every other participant in it.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "signaling WebSocket URL (overrides peer.server_url)")
	rootCmd.AddCommand(joinCmd)
}
