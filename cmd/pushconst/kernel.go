package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfluke/pushconst/kernel"
	"github.com/openfluke/pushconst/wgsl"
)

var kernelFormat string

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Print the add-offset kernel source and its reflected interface",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch kernelFormat {
		case "wgsl":
			fmt.Fprint(out, kernel.AddOffsetWGSL)
		case "okl":
			fmt.Fprint(out, kernel.AddOffsetOKL)
		case "interface":
			iface, err := wgsl.Reflect(kernel.AddOffsetWGSL, kernel.EntryPoint)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "entry %s (%s), workgroup_size %v\n", iface.EntryPoint, iface.Stage, iface.WorkgroupSize)
			for _, b := range iface.Bindings {
				fmt.Fprintf(out, "  @group(%d) @binding(%d) %s: var<%s, %s> %s\n", b.Group, b.Binding, b.Name, b.Space, b.Access, b.Type)
			}
			if pc := iface.PushConstant; pc != nil {
				fmt.Fprintf(out, "  push_constant %s: %s (%d bytes)\n", pc.Name, pc.Type, pc.Size)
			}
		default:
			return fmt.Errorf("unknown format %q (want wgsl, okl or interface)", kernelFormat)
		}
		return nil
	},
}

func init() {
	kernelCmd.Flags().StringVar(&kernelFormat, "format", "interface", "wgsl, okl or interface")
	rootCmd.AddCommand(kernelCmd)
}
