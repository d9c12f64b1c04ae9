package afw

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/version"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// versionCmd is afw version.
var versionCmd = &cobra.Command{
	Use:   "version [component]",
	Short: "print the version of afw or of a collaborator",
	Long: `Print the version of afw itself, or of a collaborator shipped with
the selected firmware.

Known components: imagebuilder
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return versionImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type versionImplConfig struct{}

var versionImpl versionImplConfig

func init() {
	workspaceflag.RegisterPflags(versionCmd.Flags())
}

func (r *versionImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "afw" {
		fmt.Fprintln(stdout, version.Read())
		return nil
	}
	switch args[0] {
	case "imagebuilder":
		ws := workspace.New(workspaceflag.Workspace())
		d, err := currentFirmware(ws)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(d.Artifact("imagebuilder/VERSION"))
		if err != nil {
			return fmt.Errorf("firmware %s declares no imagebuilder version: %v", d.Name, err)
		}
		fmt.Fprintln(stdout, strings.TrimSpace(string(b)))
		return nil
	default:
		return fmt.Errorf("unknown component %q (known: imagebuilder)", args[0])
	}
}
