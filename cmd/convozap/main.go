package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "convozap",
		Short: "Relay between web chat, WhatsApp and a hosted LLM endpoint",
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the relay server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
