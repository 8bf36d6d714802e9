package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pspitzner/beetsflask-sync/pkg/client"
	"github.com/pspitzner/beetsflask-sync/pkg/models"
)

// parseFolder reads a folder argument: "hash:<h>", "path:<p>", or a bare
// value that is a path when it starts with "/" and a hash otherwise. Both
// identities can be given as "<hash>@<path>".
func parseFolder(arg string) (models.FolderKey, error) {
	arg = strings.TrimSpace(arg)
	var key models.FolderKey
	switch {
	case strings.HasPrefix(arg, "hash:"):
		key.Hash = strings.TrimPrefix(arg, "hash:")
	case strings.HasPrefix(arg, "path:"):
		key.Path = strings.TrimPrefix(arg, "path:")
	case strings.HasPrefix(arg, "/"):
		key.Path = arg
	default:
		if hash, path, ok := strings.Cut(arg, "@"); ok {
			key.Hash, key.Path = hash, path
		} else {
			key.Hash = arg
		}
	}
	if err := key.Validate(); err != nil {
		return key, fmt.Errorf("folder %q: %w", arg, err)
	}
	return key, nil
}

func parseFolders(args []string) ([]models.FolderKey, error) {
	keys := make([]models.FolderKey, 0, len(args))
	for _, arg := range args {
		key, err := parseFolder(arg)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeError renders err with the diagnostic detail each kind carries.
func describeError(err error) string {
	if apiErr, ok := client.AsAPIError(err); ok {
		msg := fmt.Sprintf("%s (HTTP %d): %s", apiErr.Type, apiErr.Status, apiErr.Message)
		if apiErr.Description != "" {
			msg += "\n  " + apiErr.Description
		}
		return msg
	}
	if tErr, ok := client.AsTransportError(err); ok && tErr.Body != "" {
		return fmt.Sprintf("%v\n  body: %s", err, tErr.Body)
	}
	return err.Error()
}

func printSession(cmd *cobra.Command, key models.FolderKey, s *models.SessionState, asJSON bool) error {
	if asJSON {
		if s == nil {
			return writeJSON(cmd, map[string]any{"folder": key, "session": nil})
		}
		return writeJSON(cmd, s)
	}
	out := cmd.OutOrStdout()
	if s == nil {
		fmt.Fprintf(out, "%s: no session\n", key)
		return nil
	}
	fmt.Fprintf(out, "%s: %s\n", s.Key(), valueOr(s.Status, "unknown"))
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
