// Package cmd wires the swarmd command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:  `swarmd`,
	Long: `swarmd runs a node on the anonymous overlay network`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("swarmd runs a node on the anonymous overlay network, see swarmd daemon")
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
