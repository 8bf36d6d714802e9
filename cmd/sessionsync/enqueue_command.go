package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pspitzner/beetsflask-sync/pkg/protocol"
)

var enqueueKinds = []protocol.EnqueueKind{
	protocol.KindPreview,
	protocol.KindPreviewAddCandidates,
	protocol.KindImportAuto,
	protocol.KindImportBest,
	protocol.KindImportCandidate,
	protocol.KindImportBootleg,
	protocol.KindImportUndo,
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	kinds := make([]string, len(enqueueKinds))
	for i, k := range enqueueKinds {
		kinds[i] = string(k)
	}

	cmd := &cobra.Command{
		Use:       "enqueue KIND FOLDER...",
		Short:     "Schedule a job for the given folders",
		Long:      "Schedule a job for the given folders.\n\nKIND is one of: " + strings.Join(kinds, ", "),
		Args:      cobra.MinimumNArgs(2),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := protocol.EnqueueKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown kind %q (want one of %s)", args[0], strings.Join(kinds, ", "))
			}
			keys, err := parseFolders(args[1:])
			if err != nil {
				return err
			}

			st, err := ctx.newStack()
			if err != nil {
				return err
			}
			defer st.Close()

			ack, err := st.service.Enqueue(cmd.Context(), keys, kind)
			if err != nil {
				return fmt.Errorf("enqueue: %s", describeError(err))
			}
			if asJSON {
				return writeJSON(cmd, ack.Jobs)
			}
			out := cmd.OutOrStdout()
			if len(ack.Jobs) == 0 {
				fmt.Fprintf(out, "enqueued %s for %d folder(s)\n", kind, len(keys))
				return nil
			}
			for _, job := range ack.Jobs {
				fmt.Fprintf(out, "%s\t%s\t%s\n", job.JobID, valueOr(job.FolderHash, "-"), valueOr(job.FolderPath, "-"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the returned jobs as JSON")
	return cmd
}
