package afw

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// boardCmd is afw board.
var boardCmd = &cobra.Command{
	GroupID: "firmware",
	Use:     "board",
	Short:   "print the selected firmware's board tag",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return boardImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type boardImplConfig struct{}

var boardImpl boardImplConfig

func init() {
	workspaceflag.RegisterPflags(boardCmd.Flags())
}

func (r *boardImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	ws := workspace.New(workspaceflag.Workspace())
	d, err := currentFirmware(ws)
	if err != nil {
		return err
	}
	if d.Metadata.Board == "" {
		return fmt.Errorf("firmware %s declares no board", d.Name)
	}
	fmt.Fprintln(stdout, d.Metadata.Board)
	return nil
}
