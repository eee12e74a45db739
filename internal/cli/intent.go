package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeomgeuri/jeomgeuri/internal/voicecmd"
)

var intentCmd = &cobra.Command{
	Use:   "intent <transcript>...",
	Short: "Classify a voice transcript",
	Long: `Print the voice command a transcript resolves to, with the item
index when one is spoken. Useful for tuning the command vocabulary.`,
	Example: `  jeomgeuri intent "다음 거"
  jeomgeuri intent "두 번째 자세히"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m := voicecmd.Classify(strings.Join(args, " "))
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "intent: %s\n", m.Intent)
		fmt.Fprintf(out, "text:   %s\n", m.Text)
		if m.HasIndex {
			fmt.Fprintf(out, "index:  %d\n", m.Index+1)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(intentCmd)
}
