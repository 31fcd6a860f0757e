package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfluke/pushconst/detector"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report the adapters of the configured backend as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		b, err := cfg.OpenBackend()
		if err != nil {
			return err
		}
		out, err := detector.DetectJSON(b)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
