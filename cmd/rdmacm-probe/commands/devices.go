package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmacm/internal/hardware"
)

// NewDevicesCmd creates the devices command
func NewDevicesCmd(opts *GlobalOptions) *cobra.Command {
	var sysfsRoot string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices found in sysfs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := hardware.DetectRDMA(sysfsRoot)
			if err != nil {
				return err
			}

			if len(devices) == 0 {
				printf(cmd, "No RDMA devices found\n")
				return nil
			}

			best, _ := hardware.BestDevice(devices)
			configured := opts.Config().CM.DeviceName

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tTYPE\tFIRMWARE\tPORTS\tSPEED\tSTATE\t")

			for _, dev := range devices {
				state := "DOWN"
				if dev.Active() {
					state = "ACTIVE"
				}

				var marks string
				if dev.Name == best.Name {
					marks += " (recommended)"
				}

				if dev.Name == configured {
					marks += " (configured)"
				}

				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d Gb/s\t%s\t%s\n",
					dev.Name, dev.NodeType, dev.FirmwareVer, len(dev.Ports), dev.Speed(), state, marks)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&sysfsRoot, "sysfs-root", hardware.DefaultSysfsRoot, "Root of the sysfs tree")

	return cmd
}
