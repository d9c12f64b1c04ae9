// Package afw implements the subcommands of the afw tool.
package afw

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/accelfw/tools/internal/firmware"
	"github.com/accelfw/tools/internal/version"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// currentFirmware returns the selected deployment, which most verbs
// need before they can do anything.
func currentFirmware(ws *workspace.Workspace) (*firmware.Descriptor, error) {
	d, err := firmware.NewRegistry(ws.FirmwareDir()).Current()
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("no firmware selected, pick one with afw select (afw list shows what is deployed)")
	}
	return d, nil
}

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "afw",
		Short: "manage firmware images for hardware-accelerated boards",
		Long: `The afw tool manages bootable firmware images for hardware-accelerated
embedded boards across their whole lifecycle:

1. Pick which deployed firmware to work on (afw select, afw list),
2. Inspect and modify its SD card image (afw mount, afw umount),
3. Swap kernels or rebuild the image (afw linux),
4. Compose Xen VM topologies onto it (afw hypervisor),
5. Rebuild ramdisks and boot the result in an emulator (afw mkinitramfs,
   afw emulate).

A typical session:

  % afw list
  % afw select kv260
  % afw mount
  ... edit files under the workspace mnt/ directory ...
  % afw umount
`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			versionVal, err := cmd.Flags().GetBool("version")
			if err != nil {
				return fmt.Errorf("BUG: version flag declared as non-bool")
			}
			if versionVal {
				fmt.Println(version.Read())
				return nil
			}
			return pflag.ErrHelp
		},
	}
	rootCmd.AddGroup(&cobra.Group{
		ID:    "firmware",
		Title: "Commands to work with the deployed firmware:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "image",
		Title: "Commands to work with the selected firmware's image:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "emulation",
		Title: "Commands to try the selected firmware without hardware:",
	})
	rootCmd.Flags().Bool("version", false, "print afw version")
	// Only defined so that it appears in documentation like --help.
	//
	// Cobra only parses local flags on the target command, but they can appear
	// at any place in the command line (before or after the verb).
	workspaceflag.RegisterPflags(rootCmd.Flags())
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(platformCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(umountCmd)
	rootCmd.AddCommand(linuxCmd)
	rootCmd.AddCommand(hypervisorCmd)
	rootCmd.AddCommand(mkinitramfsCmd)
	rootCmd.AddCommand(emulateCmd)
	rootCmd.AddCommand(versionCmd)
	return rootCmd
}
