package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
	"github.com/jeomgeuri/jeomgeuri/internal/ble"
)

var (
	scanDuration time.Duration
	scanAll      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby Braille displays",
	Long: `Run a BlueZ discovery and list the devices that match the configured
name prefix and service UUID. Pass --all to list every device.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		transport, err := ble.NewBlueZ(cfg.Display.Adapter)
		if err != nil {
			return err
		}
		defer transport.Close()

		client, err := backend.New(cfg.Backend.BaseURL)
		if err != nil {
			return err
		}
		d, err := ble.New(transport, client, ble.Config{
			ServiceUUID:        cfg.Display.ServiceUUID,
			CharacteristicUUID: cfg.Display.CharacteristicUUID,
			MTU:                cfg.Display.MTU,
		})
		if err != nil {
			return err
		}

		f := ble.Filter{Discover: scanDuration}
		if !scanAll {
			f.NamePrefix = cfg.Display.NamePrefix
			f.ServiceUUID = cfg.Display.ServiceUUID
		}
		devices, err := d.Scan(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no devices found")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tPAIRED\tCONNECTED")
		for _, dev := range devices {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%t\n", dev.Address, dev.Name, dev.RSSI, dev.Paired, dev.Connected)
		}
		return tw.Flush()
	},
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "discovery window")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "list every device, ignoring the configured filter")
	rootCmd.AddCommand(scanCmd)
}
