package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fedutinova/fluxqc/internal/auth"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/job"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return database.RunMigrations(a.cfg.DatabaseURL)
		},
	}
}

func newResubmitCmd(a *app) *cobra.Command {
	var (
		datasetID int64
		stage     string
		owner     string
	)
	cmd := &cobra.Command{
		Use:   "resubmit",
		Short: "Reset a dataset's outputs from a stage onwards and queue that stage again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ownerID, err := uuid.Parse(owner)
			if err != nil {
				return fmt.Errorf("--owner must be a UUID: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			b, err := connect(ctx, a.cfg, a.log)
			if err != nil {
				return err
			}
			defer b.Close()

			orch, err := buildPipeline(a.cfg, b, a.log)
			if err != nil {
				return err
			}
			j, err := orch.Resubmit(ctx, ownerID, datasetID, job.Type(stage))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "queued %s job %s for dataset %d\n", j.Type, j.ID, datasetID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&datasetID, "dataset", 0, "dataset id")
	cmd.Flags().StringVar(&stage, "stage", string(job.TypeDataReduction), "stage to rerun: data_extraction, data_reduction or auto_qc")
	cmd.Flags().StringVar(&owner, "owner", "", "owner recorded on the new job")
	_ = cmd.MarkFlagRequired("dataset")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// newTokenCmd mints a bearer token signed with JWT_SECRET, for operators and
// local development.
func newTokenCmd(a *app) *cobra.Command {
	var (
		user  string
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			id := uuid.New()
			if user != "" {
				var err error
				if id, err = uuid.Parse(user); err != nil {
					return fmt.Errorf("--user must be a UUID: %w", err)
				}
			}
			tok, err := auth.NewToken(a.cfg.JWT.Secret, a.cfg.JWT.Issuer, id, roles, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id (random when empty)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"user"}, "roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
