package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <ref>",
		Short: "Show one submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(b *backend) error {
				sub, err := b.Submissions.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, sub)
				}
				rows := [][]string{
					{"ID", strconv.FormatInt(sub.ID, 10)},
					{"Ref", sub.ExternalRef},
					{"Doctor", sub.Name},
					{"Topic", sub.Topic},
					{"Email", sub.Email},
					{"State", string(sub.State())},
					{"Pending chunks", joinOrDash(sub.PendingChunks)},
					{"Outputs", joinOrDash(sub.FinalizedOutputs)},
					{"Processing since", formatTime(sub.ProcessingSince)},
					{"Completed at", formatTime(sub.CompletedAt)},
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
				return nil
			})
		},
	}
}

func newLatestCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "latest",
		Short: "List the most recently completed submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(b *backend) error {
				subs, err := b.Submissions.ListLatest(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, subs)
				}
				if len(subs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No completed submissions")
					return nil
				}
				rows := make([][]string, 0, len(subs))
				for i := range subs {
					sub := &subs[i]
					rows = append(rows, []string{
						strconv.FormatInt(sub.ID, 10),
						sub.ExternalRef,
						sub.Name,
						strconv.Itoa(len(sub.FinalizedOutputs)),
						formatTime(sub.CompletedAt),
					})
				}
				headers := []string{"ID", "Ref", "Doctor", "Outputs", "Completed"}
				aligns := []columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum rows (1-100)")
	return cmd
}

func newFinalizeCommand(ctx *commandContext) *cobra.Command {
	var req domain.FinalizeRequest
	var async bool
	cmd := &cobra.Command{
		Use:   "finalize <ref>",
		Short: "Merge pending chunks into a finalized video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(b *backend) error {
				if async {
					job, err := b.Finalizer.RequestFinalize(cmd.Context(), args[0], req)
					if err != nil {
						return err
					}
					if ctx.jsonOutput() {
						return writeJSON(cmd, job)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Queued finalize job %s for %s\n", job.JobID, job.ExternalRef)
					return nil
				}

				result, err := b.Finalizer.Finalize(cmd.Context(), args[0], req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Finalized %s from %d chunks\n", result.Output, result.Chunks)
				fmt.Fprintf(cmd.OutOrStdout(), "Link: %s\n", result.Link)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Orientation, "orientation", "portrait", "portrait or landscape")
	cmd.Flags().StringVar(&req.Color, "color", "", "Overlay accent color (name or hex)")
	cmd.Flags().BoolVar(&async, "async", false, "Hand the job to a worker instead of merging here")
	return cmd
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <ref>",
		Short: "Discard pending chunks and intermediates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(b *backend) error {
				if err := b.Cleaner.Cleanup(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleaned %s\n", args[0])
				return nil
			})
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "delete <ref>",
		Short: "Delete a submission, or one finalized output with --output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(b *backend) error {
				if output != "" {
					if err := b.Submissions.DeleteOutput(cmd.Context(), args[0], output); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted output %s of %s\n", output, args[0])
					return nil
				}
				if err := b.Submissions.DeleteSubmission(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Finalized output file name")
	return cmd
}

func newSendLinkCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "send-link <id>",
		Short: "Send the recording link to a registered doctor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid submission id %q", args[0])
			}
			return ctx.withBackend(cmd, func(b *backend) error {
				event, err := b.Submissions.SendLink(cmd.Context(), id)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, event)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", event.Link, event.Email)
				return nil
			})
		},
	}
}

func newReclaimCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Reset processing flags left by crashed finalizers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(cmd, func(b *backend) error {
				n, err := b.Reclaim(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d stale submissions\n", n)
				return nil
			})
		},
	}
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
