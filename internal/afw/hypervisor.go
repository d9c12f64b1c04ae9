package afw

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/accelfw/tools/internal/compose"
	"github.com/accelfw/tools/internal/progress"
	"github.com/accelfw/tools/internal/workspace"
	"github.com/accelfw/tools/internal/workspaceflag"
)

// hypervisorCmd is afw hypervisor.
var hypervisorCmd = &cobra.Command{
	GroupID: "image",
	Use:     "hypervisor",
	Short:   "compose a Xen image with dom0 and guest VMs",
	Long: `Compose the selected firmware's base image into a bootable Xen
layout. Kernel values are vanilla, preempt_rt, or the path of a custom
kernel image. --ramdisk values pair with guest VMs in flag order;
guests without one boot the stock ramdisk.

By default the composed image lands in a new <firmware>-xen directory
next to the selected deployment, leaving the base image untouched.
--in-place composes onto the selected image directly.

Examples:
  # the default topology: vanilla dom0 plus one dom0less guest
  afw hypervisor

  # real-time dom0 controlling two domU guests
  afw hypervisor --dom0 preempt_rt --domU vanilla --domU vanilla

  # dom0less guest with a custom kernel and its own ramdisk
  afw hypervisor --dom0less ~/kernels/Image-test --ramdisk guest.cpio
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return hypervisorImpl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type hypervisorImplConfig struct {
	dom0     string
	domU     []string
	dom0less []string
	ramdisks []string
	inPlace  bool
}

var hypervisorImpl hypervisorImplConfig

func init() {
	hypervisorCmd.Flags().StringVar(&hypervisorImpl.dom0, "dom0", "", "dom0 kernel (vanilla, preempt_rt or a kernel path)")
	hypervisorCmd.Flags().StringArrayVar(&hypervisorImpl.domU, "domU", nil, "add a domU guest with the given kernel (repeatable)")
	hypervisorCmd.Flags().StringArrayVar(&hypervisorImpl.dom0less, "dom0less", nil, "add a dom0less guest with the given kernel (repeatable)")
	hypervisorCmd.Flags().StringArrayVar(&hypervisorImpl.ramdisks, "ramdisk", nil, "ramdisk for the nth guest VM (repeatable)")
	hypervisorCmd.Flags().BoolVar(&hypervisorImpl.inPlace, "in-place", false, "compose onto the selected image instead of a new candidate directory")
	workspaceflag.RegisterPflags(hypervisorCmd.Flags())
}

func (r *hypervisorImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	ws := workspace.New(workspaceflag.Workspace())
	d, err := currentFirmware(ws)
	if err != nil {
		return err
	}
	cfg, err := ws.ReadConfig()
	if err != nil {
		return err
	}
	vms, err := r.topology()
	if err != nil {
		return err
	}

	composer := &compose.Composer{
		Kernels:         &compose.PrebuiltKernels{Dir: d.KernelDir()},
		MountRoot:       ws.MountRoot(),
		InPlace:         r.inPlace,
		MinImagebuilder: cfg.MinImagebuilder,
	}
	done := progress.Step("composing " + d.Name)
	rec, err := composer.Compose(ctx, d, vms)
	if err != nil {
		return err
	}
	done("")

	fmt.Fprintf(stdout, "composed %s\n", rec.Image)
	for i, vm := range rec.VMs {
		line := fmt.Sprintf("  vm%d: %s, %s kernel", i, vm.Role, vm.Variant)
		if vm.Ramdisk != "" {
			line += ", ramdisk " + vm.Ramdisk
		}
		fmt.Fprintln(stdout, line)
	}
	if !r.inPlace {
		fmt.Fprintf(stdout, "select it with: afw select %s-xen\n", d.Name)
	}
	return nil
}

// topology translates the flags into VM specs. Without any topology
// flag the stock layout is composed.
func (r *hypervisorImplConfig) topology() ([]compose.VMSpec, error) {
	var vms []compose.VMSpec
	if r.dom0 == "" && len(r.domU) == 0 && len(r.dom0less) == 0 {
		vms = []compose.VMSpec{
			{Role: compose.RoleDom0, Variant: compose.VariantVanilla},
			{Role: compose.RoleDom0less, Variant: compose.VariantVanilla},
		}
	} else {
		if r.dom0 != "" {
			vms = append(vms, vmSpec(compose.RoleDom0, r.dom0))
		}
		for _, kernel := range r.domU {
			vms = append(vms, vmSpec(compose.RoleDomU, kernel))
		}
		for _, kernel := range r.dom0less {
			vms = append(vms, vmSpec(compose.RoleDom0less, kernel))
		}
	}

	guests := 0
	for i := range vms {
		if vms[i].Role == compose.RoleDom0 {
			continue
		}
		if guests < len(r.ramdisks) {
			vms[i].Ramdisk = r.ramdisks[guests]
		}
		guests++
	}
	if len(r.ramdisks) > guests {
		return nil, fmt.Errorf("got %d --ramdisk values for %d guest VMs", len(r.ramdisks), guests)
	}
	return vms, nil
}

// vmSpec interprets a kernel flag value: the two prebuilt variants by
// name, anything else as the path of a custom kernel.
func vmSpec(role compose.Role, kernel string) compose.VMSpec {
	switch kernel {
	case "vanilla":
		return compose.VMSpec{Role: role, Variant: compose.VariantVanilla}
	case "preempt_rt":
		return compose.VMSpec{Role: role, Variant: compose.VariantPreemptRT}
	default:
		return compose.VMSpec{Role: role, Variant: compose.VariantCustom, KernelPath: kernel}
	}
}
