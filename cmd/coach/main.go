package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	servecmder "github.com/papercomputeco/coach/cmd/coach/serve"
	streamcmder "github.com/papercomputeco/coach/cmd/coach/stream"
)

func main() {
	root := &cobra.Command{
		Use:           "coach",
		Short:         "Personalized interview and learning path coach",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(servecmder.NewServeCmd())
	root.AddCommand(streamcmder.NewStreamCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
