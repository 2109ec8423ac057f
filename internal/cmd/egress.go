package cmd

import (
	"github.com/spf13/cobra"

	"github.com/shopvet/shopvet/internal/core/egress"
	"github.com/shopvet/shopvet/internal/output"
)

var (
	egressListOutput string
	egressListOut    string
)

var egressCmd = &cobra.Command{
	Use:   "egress",
	Short: "Inspect configured egress identities",
}

var egressListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured proxies without credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(egressListOutput)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		identities, err := configuredIdentities(cfg.Egress)
		if err != nil {
			return err
		}
		if identities == nil {
			identities = []egress.Identity{}
		}

		sink, err := openSink(egressListOut)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return output.Write(sink.writer, format, identities, func() output.TableWriter {
			return output.IdentityTable(identities)
		})
	},
}

func init() {
	rootCmd.AddCommand(egressCmd)
	egressCmd.AddCommand(egressListCmd)

	egressListCmd.Flags().StringVar(&egressListOutput, "output-format", string(output.FormatTable), "Output format: table|json|yaml")
	egressListCmd.Flags().StringVar(&egressListOut, "out", "", "Write output to a file (default stdout)")
}
