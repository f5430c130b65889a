package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/jobwatch/frame"
	"github.com/petal-labs/jobwatch/stream"
)

// NewCreateCmd creates the "create" subcommand.
func NewCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a job with the relay and print its id",
		Args:  cobra.NoArgs,
		RunE:  runCreate,
	}
	cmd.Flags().String("id", "", "Job id (generated by the relay when empty)")
	cmd.Flags().String("title", "", "Human-readable job title")
	cmd.Flags().StringArray("meta", nil, "Metadata key=value (repeatable)")
	return cmd
}

func runCreate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := newStreamClient(cfg, newLogger(cmd), nil)
	if err != nil {
		return err
	}

	id, _ := cmd.Flags().GetString("id")
	title, _ := cmd.Flags().GetString("title")
	metaFlags, _ := cmd.Flags().GetStringArray("meta")
	meta, err := parseKeyValues(metaFlags)
	if err != nil {
		return exitError(exitValidation, "invalid --meta: %v", err)
	}

	jobID, err := client.CreateJob(cmd.Context(), stream.CreateJobRequest{
		JobID:    strings.TrimSpace(id),
		Title:    title,
		Metadata: meta,
	})
	if err != nil {
		return apiExitError("create job", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), jobID)
	return nil
}

// NewPublishCmd creates the "publish" subcommand.
func NewPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish JOB_ID STATUS",
		Short: "Post a status update for a job",
		Args:  cobra.ExactArgs(2),
		RunE:  runPublish,
	}
	cmd.Flags().String("stage", "", "Stage label")
	cmd.Flags().Float64("progress", 0, "Completion ratio in [0,1]")
	cmd.Flags().StringArray("payload", nil, "Payload key=value (repeatable)")
	cmd.Flags().Bool("json", false, "Print the stored frame as JSON")
	return cmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := newStreamClient(cfg, newLogger(cmd), nil)
	if err != nil {
		return err
	}

	update := stream.StatusUpdate{Status: frame.Status(strings.TrimSpace(args[1]))}
	update.Stage, _ = cmd.Flags().GetString("stage")
	if cmd.Flags().Changed("progress") {
		p, _ := cmd.Flags().GetFloat64("progress")
		update.Progress = &p
	}
	payloadFlags, _ := cmd.Flags().GetStringArray("payload")
	if update.Payload, err = parseKeyValues(payloadFlags); err != nil {
		return exitError(exitValidation, "invalid --payload: %v", err)
	}

	candidate := frame.StatusFrame{JobID: args[0], Status: update.Status, Progress: update.Progress}
	if err := frame.Validate(candidate); err != nil {
		return exitError(exitValidation, "%v", err)
	}

	f, err := client.PublishStatus(cmd.Context(), args[0], update)
	if err != nil {
		return apiExitError("publish status", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSONOut(cmd, f)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s #%d %s\n", f.JobID, f.SequenceID, f.Status)
	return nil
}

// NewGetCmd creates the "get" subcommand.
func NewGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Print a job and its latest frame as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newStreamClient(cfg, newLogger(cmd), nil)
			if err != nil {
				return err
			}
			job, err := client.GetJob(cmd.Context(), args[0])
			if err != nil {
				return apiExitError("get job", err)
			}
			return writeJSONOut(cmd, job)
		},
	}
}

func writeJSONOut(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError(exitRuntime, "encoding output: %v", err)
	}
	return nil
}
