// cmd/seeder/main.go
package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/unclebandit/campaign-delivery/internal/config"
	"github.com/unclebandit/campaign-delivery/internal/db"
	"github.com/unclebandit/campaign-delivery/internal/logger"
	"github.com/unclebandit/campaign-delivery/internal/model"
	"github.com/unclebandit/campaign-delivery/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		campaignID int64
		file       string
	)
	cmd := &cobra.Command{
		Use:          "seeder",
		Short:        "Load a CSV file as a campaign's recipient list",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if campaignID <= 0 || file == "" {
				return errors.New("--campaign and --file are required")
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			list, err := readRecipients(f, campaignID)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
			if err != nil {
				return err
			}
			conn, err := db.Open(cmd.Context(), cfg.DB, *log)
			if err != nil {
				return err
			}
			defer conn.Close()

			repo := &repository.RecipientRepository{DB: conn}
			if err := repo.Save(cmd.Context(), list); err != nil {
				return err
			}
			log.Info().Int64("campaign_id", campaignID).Int("rows", len(list.Rows)).Msg("recipients seeded")
			return nil
		},
	}
	cmd.Flags().Int64Var(&campaignID, "campaign", 0, "campaign id")
	cmd.Flags().StringVar(&file, "file", "", "CSV file with a header row including \"recipient\"")
	return cmd
}

// readRecipients parses a CSV whose first row is the header. Every header is
// a template parameter; the recipient column must be present.
func readRecipients(r io.Reader, campaignID int64) (*model.RecipientList, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	headers, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv: empty file")
		}
		return nil, fmt.Errorf("csv: header: %w", err)
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	list := &model.RecipientList{CampaignID: campaignID, Headers: headers}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		list.Rows = append(list.Rows, row)
	}

	// Fail here rather than at campaign start.
	if _, err := list.Recipients(); err != nil {
		return nil, err
	}
	return list, nil
}
