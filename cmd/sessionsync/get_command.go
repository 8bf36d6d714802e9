package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func newGetCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get FOLDER...",
		Short: "Show the session of one or more folders",
		Long: `Show the session of one or more folders.

FOLDER is hash:<hash>, path:<path>, <hash>@<path>, or a bare value
(paths start with "/").`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseFolders(args)
			if err != nil {
				return err
			}
			st, err := ctx.newStack()
			if err != nil {
				return err
			}
			defer st.Close()

			var failed bool
			for _, key := range keys {
				r := st.service.Session(cmd.Context(), key)
				if r.IsError {
					cmd.PrintErrf("%s: %s\n", key, describeError(r.Err))
					failed = true
					continue
				}
				if err := printSession(cmd, key, r.Data, asJSON); err != nil {
					return err
				}
			}
			if failed {
				return errors.New("some lookups failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full session as JSON")
	return cmd
}
