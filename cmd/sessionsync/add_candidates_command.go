package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
)

func newAddCandidatesCommand(ctx *commandContext) *cobra.Command {
	var (
		searchIDs []string
		artist    string
		album     string
	)

	cmd := &cobra.Command{
		Use:   "add-candidates HASH",
		Short: "Search additional candidates for a folder session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.AddCandidatesRequest{
				FolderHashes: []string{args[0]},
				SearchIDs:    searchIDs,
			}
			if cmd.Flags().Changed("artist") {
				req.SearchArtist = &artist
			}
			if cmd.Flags().Changed("album") {
				req.SearchAlbum = &album
			}

			st, err := ctx.newStack()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := st.service.AddCandidate(cmd.Context(), req); err != nil {
				return fmt.Errorf("add candidates: %s", describeError(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "candidate search queued for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&searchIDs, "search-id", nil, "MusicBrainz or Discogs release id (repeatable)")
	cmd.Flags().StringVar(&artist, "artist", "", "Artist to search for")
	cmd.Flags().StringVar(&album, "album", "", "Album to search for")
	return cmd
}
