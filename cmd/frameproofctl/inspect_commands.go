package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"frameproof/internal/models"
)

const listPageSize = 200

func newCommentsCommand(ctx *commandContext) *cobra.Command {
	var since int64
	var showDeleted bool
	cmd := &cobra.Command{
		Use:   "comments <channel-id>",
		Short: "List a channel's comments in playback order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, release, err := ctx.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			channelID := strings.TrimSpace(args[0])
			if _, err := repo.GetChannel(cmd.Context(), channelID); err != nil {
				return err
			}

			var comments []models.Comment
			cursor := since
			for {
				page, err := repo.ListCommentsSince(cmd.Context(), channelID, cursor, listPageSize)
				if err != nil {
					return err
				}
				comments = append(comments, page...)
				if len(page) < listPageSize {
					break
				}
				cursor = page[len(page)-1].Revision
			}
			slices.SortStableFunc(comments, func(a, b models.Comment) int {
				switch {
				case a.Less(b):
					return -1
				case b.Less(a):
					return 1
				}
				return 0
			})

			rows := make([][]string, 0, len(comments))
			for _, c := range comments {
				if c.Deleted && !showDeleted {
					continue
				}
				content := c.Content
				if c.Deleted {
					content = "(deleted)"
				}
				rows = append(rows, []string{
					formatTimestamp(c.MediaTimestamp),
					strconv.Itoa(c.LogicalSequence),
					strconv.FormatInt(c.Revision, 10),
					c.Author,
					string(c.Kind),
					content,
				})
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No comments")
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"At", "Seq", "Rev", "Author", "Kind", "Content"},
				rows,
				[]columnAlignment{alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only comments changed after this revision")
	cmd.Flags().BoolVar(&showDeleted, "deleted", false, "include deleted comments")
	return cmd
}

func newAssetsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "assets <channel-id>",
		Short: "List a channel's media assets and their encoding state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, release, err := ctx.openRepository(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			channelID := strings.TrimSpace(args[0])
			channel, err := repo.GetChannel(cmd.Context(), channelID)
			if err != nil {
				return err
			}
			assets, err := repo.ListAssets(cmd.Context(), channelID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(assets) == 0 {
				fmt.Fprintln(out, "No assets")
				return nil
			}
			rows := make([][]string, 0, len(assets))
			for _, asset := range assets {
				marker := ""
				if channel.ActiveAssetID != nil && *channel.ActiveAssetID == asset.ID {
					marker = "*"
				}
				status := string(asset.Status)
				if asset.FailureReason != "" {
					status += ": " + asset.FailureReason
				}
				rows = append(rows, []string{
					marker,
					asset.ID,
					asset.Filename,
					humanize.IBytes(uint64(max(asset.SizeBytes, 0))),
					status,
					strconv.Itoa(asset.Attempts),
					humanize.Time(asset.UpdatedAt),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"", "Asset", "File", "Size", "Status", "Attempts", "Updated"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight},
			))
			return nil
		},
	}
}

// formatTimestamp renders media seconds as h:mm:ss.mmm.
func formatTimestamp(seconds float64) string {
	millis := int64(seconds*1000 + 0.5)
	h := millis / 3_600_000
	m := millis / 60_000 % 60
	s := millis / 1000 % 60
	ms := millis % 1000
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, ms)
}
