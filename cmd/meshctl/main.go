package main

import (
	"fmt"
	"os"
	"time"

	"github.com/danmuck/taskmesh/internal/api"
	"github.com/danmuck/taskmesh/internal/logging"
	"github.com/spf13/cobra"
)

const defaultAddr = "127.0.0.1:10000"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshctl",
		Short: "Run and drive taskmesh nodes",
		Long: `taskmesh nodes discover each other inside a namespace, replicate a task
workspace as a compressed snapshot and load balance invocations across the
supervised workers of each task.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	root.PersistentFlags().String("addr", defaultAddr, "API address of the node to call")
	root.PersistentFlags().Duration("timeout", 60*time.Second, "request timeout")

	root.AddCommand(
		newStartCmd(),
		newHostsCmd(),
		newTasksCmd(),
		newProcessingCmd(),
		newConfCmd(),
		newInitCmd(),
		newTriggerCmd(),
		newClearCmd(),
		newConfigCmd(),
	)
	return root
}

func clientFor(cmd *cobra.Command) (*api.Client, time.Duration) {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return api.NewClient(addr, nil), timeout
}
