package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
)

func newEgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "egress",
		Short: "Check the apparent public IP the harvester would use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			status, err := a.VerifyEgress(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ip=%s ok=%t\n", status.IP, status.OK)
			if !status.OK {
				return harvest.Fatal("verify egress", fmt.Errorf("unexpected egress ip %s", status.IP))
			}
			return nil
		},
	}
}
