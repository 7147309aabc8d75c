package main

import (
	"github.com/spf13/cobra"

	"github.com/opensource-finance/sentinel/internal/domain"
)

func newIndexCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect the duplicate bill fingerprint index",
	}
	cmd.AddCommand(newIndexCheckCmd(root))
	return cmd
}

// indexCheckResult is printed by "index check".
type indexCheckResult struct {
	Fingerprint string                  `json:"fingerprint"`
	IndexSize   int                     `json:"indexSize"`
	Threshold   int                     `json:"threshold"`
	Verdict     domain.DuplicateVerdict `json:"verdict"`
}

func newIndexCheckCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check IMAGE",
		Short: "Find the nearest registered bill without registering this one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := readImage("index-check", args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), root.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			fp, err := a.index.Fingerprint(img)
			if err != nil {
				return err
			}
			verdict, err := a.index.Check(cmd.Context(), img)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), indexCheckResult{
				Fingerprint: fp.String(),
				IndexSize:   a.index.Size(),
				Threshold:   a.index.Threshold(),
				Verdict:     verdict,
			})
		},
	}
}
