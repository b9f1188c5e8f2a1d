package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/transcript"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent turns from the transcript",
	Run:   runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of turns to show")
}

func runHistory(cmd *cobra.Command, args []string) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		return
	}

	store, err := transcript.NewStore(cfg.Paths.TranscriptPath)
	if err != nil {
		fmt.Printf("Transcript error: %v\n", err)
		return
	}
	defer store.Close()

	turns, err := store.RecentTurns(historyLimit)
	if err != nil {
		fmt.Printf("Query error: %v\n", err)
		return
	}
	if len(turns) == 0 {
		fmt.Println("No turns recorded yet.")
		return
	}

	for _, t := range turns {
		status := t.Status
		switch t.Status {
		case transcript.TurnStatusCompleted:
			status = color.GreenString(t.Status)
		case transcript.TurnStatusFailed, transcript.TurnStatusAborted:
			status = color.RedString(t.Status)
		}
		fmt.Printf("%s  %s  [%s]  %d iterations, %d tokens\n",
			t.CreatedAt.Format("2006-01-02 15:04:05"), t.TurnID[:8], status,
			t.Iterations, t.TotalTokens)
		if t.ContentIn != "" {
			fmt.Printf("  in:  %s\n", firstLine(t.ContentIn, 100))
		}
		if t.ContentOut != "" {
			fmt.Printf("  out: %s\n", firstLine(t.ContentOut, 100))
		}
		if t.ErrorText != "" {
			fmt.Printf("  err: %s\n", firstLine(t.ErrorText, 100))
		}
	}
}

func firstLine(s string, max int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
