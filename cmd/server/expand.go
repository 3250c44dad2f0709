package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/makeasinger/bulkgen/internal/model"
	"github.com/makeasinger/bulkgen/internal/service"
)

var countOnly bool

var expandCmd = &cobra.Command{
	Use:   "expand [request.json]",
	Short: "Print the prompts a job definition expands to, without saving it",
	Long: `Reads a create-job request (the body of POST /api/bulk/jobs) from the
given file, or stdin when no file is given, and prints the job and its
prompts as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig(cmd)
		if err != nil {
			return err
		}

		in := cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		req, err := readCreateRequest(in)
		if err != nil {
			return err
		}

		svc := service.NewBulkService(nil, nil, nil, service.Options{MaxPrompts: cfg.Bulk.MaxPrompts})
		job, prompts, err := svc.Expand(req)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if countOnly {
			_, err := fmt.Fprintln(out, len(prompts))
			return err
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Job     *model.Job         `json:"job"`
			Prompts []model.TestPrompt `json:"prompts"`
		}{job, prompts})
	},
}

func readCreateRequest(r io.Reader) (*model.CreateJobRequest, error) {
	var req model.CreateJobRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request JSON: %w", err)
	}
	if err := validator.New().Struct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func init() {
	expandCmd.Flags().BoolVar(&countOnly, "count", false, "print only the number of prompts")
}
