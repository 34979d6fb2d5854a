package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/giada-tronca/cold-outreach-2-sub004/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "outreach",
	Short: "Cold-outreach campaign engine",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
