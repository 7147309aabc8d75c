package main

import (
	"encoding/json"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/sentinel/internal/claims"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/pipeline"
)

type assessOptions struct {
	signalsFile string
	claimID     string
	tenantID    string
	probability float64
}

func newAssessCmd(root *rootOptions) *cobra.Command {
	opts := &assessOptions{}

	cmd := &cobra.Command{
		Use:   "assess IMAGE",
		Short: "Score a local bill image and signals file",
		Long: `Run one claim through the full pipeline without the HTTP API.

The signals file is JSON with the upstream analyzer output, for example:

  {"tamperScore": 0.12, "claimedAmount": 5400,
   "fields": {"totalAmount": 5400, "date": "12/03/2024"},
   "medicalKeywords": ["patient", "diagnosis"]}

The bill is registered in the fingerprint index, so a later near-identical
bill is reported as a duplicate of this claim.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(cmd, args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), root.cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			assessment, err := a.assessor.Assess(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), assessment)
		},
	}

	cmd.Flags().StringVarP(&opts.signalsFile, "signals", "s", "", "signals JSON file (required)")
	cmd.Flags().StringVar(&opts.claimID, "claim-id", "", "claim id (default: random)")
	cmd.Flags().StringVar(&opts.tenantID, "tenant", "default", "tenant id")
	cmd.Flags().Float64Var(&opts.probability, "probability", -1, "precomputed classifier probability; negative calls the classifier")
	_ = cmd.MarkFlagRequired("signals")
	return cmd
}

func (o *assessOptions) request(cmd *cobra.Command, imagePath string) (*pipeline.Request, error) {
	claimID := o.claimID
	if claimID == "" {
		claimID = uuid.New().String()
	}

	img, err := readImage(claimID, imagePath)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(o.signalsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read signals: %w", err)
	}
	var signals domain.ModalitySignals
	if err := json.Unmarshal(raw, &signals); err != nil {
		return nil, fmt.Errorf("invalid signals JSON: %w", err)
	}

	req := &pipeline.Request{
		ClaimID:  claimID,
		TenantID: o.tenantID,
		Image:    img,
		Signals:  signals,
	}
	if cmd.Flags().Changed("probability") && o.probability >= 0 {
		p := o.probability
		req.ClassifierProbability = &p
	}
	return req, nil
}

func readImage(claimID, path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, _, err := claims.DecodeImage(claimID, data)
	return img, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
