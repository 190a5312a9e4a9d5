package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/gsmstack/internal/ns"
	"github.com/oriys/gsmstack/internal/timer"
)

func debugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Debugging and introspection helpers",
	}
	cmd.AddCommand(debugDumpFSMCmd())
	return cmd
}

// debugDumpFSMCmd prints every registered FSM class's state table without
// starting the daemon, for understanding the NS-VC procedure's transition
// graph before wiring up real transports. It builds a throwaway NsInstance
// purely to get at the registry every Nsvc is allocated through; no timer
// ever fires since nothing is ever added to it.
func debugDumpFSMCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-fsm",
		Short: "Print the registered FSM classes and their state tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			wheel := timer.New(nil)
			ni := ns.NewInstance(wheel)
			reg := ni.Registry()

			for _, name := range reg.ClassNames() {
				c := reg.Class(name)
				fmt.Printf("fsm class %q\n", c.Name)
				fmt.Printf("  states: %v\n", c.StateNames())
			}
			return nil
		},
	}
}
