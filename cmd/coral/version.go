package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coralsh/coral/pkg/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the coral version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coral %s\n", buildinfo.VERSION)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
