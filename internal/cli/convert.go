package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeomgeuri/jeomgeuri/internal/backend"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

var convertMode string

var convertCmd = &cobra.Command{
	Use:   "convert <text>...",
	Short: "Convert text to Braille cells using the backend",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := backend.ParseMode(convertMode)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		client, err := backend.New(cfg.Backend.BaseURL, backend.WithTimeout(cfg.Backend.Timeout))
		if err != nil {
			return err
		}
		cells, err := client.ConvertBraille(cmd.Context(), strings.Join(args, " "), mode)
		if err != nil {
			return fmt.Errorf("convert: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, braille.Cells(cells).String())
		for i, c := range cells {
			fmt.Fprintf(out, "%3d  %c  %s\n", i+1, c.Rune(), c)
		}
		return nil
	},
}

func init() {
	convertCmd.Flags().StringVarP(&convertMode, "mode", "m", string(backend.ModeWord), "conversion mode: char, word or sentence")
	rootCmd.AddCommand(convertCmd)
}
