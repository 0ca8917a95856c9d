package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/keypool/internal/coordinator"
	"github.com/user/keypool/pkg/client"
)

var (
	serverURL   string
	outputJSON  bool
	cliAdminKey string
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "keypool server URL")
		cmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
		cmd.Flags().StringVar(&cliAdminKey, "admin-key", os.Getenv("KEYPOOL_ADMIN_API_KEY"), "Admin API key")
	}
}

func newClient() *client.Client {
	return client.New(serverURL, client.WithAdminKey(cliAdminKey))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show pool progress and the worker fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		ov, err := newClient().Overview(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(ov)
		}

		fmt.Printf("Workers online: %d  Fleet speed: %.0f keys/s  Ranges: %d\n\n",
			ov.WorkersOnline, ov.TotalSpeedKeysPerSecond, ov.TotalRanges)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PUZZLE\tENABLED\tCOMPLETED\tIN PROGRESS\tTOTAL\tSEARCHED\tKEYS")
		for _, p := range ov.Puzzles {
			fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%d\t%.4f%%\t%d\n",
				p.Code, p.Enabled, p.RangesCompleted, p.RangesInProgress, p.RangesTotal,
				p.PercentageSearched, p.KeysFound)
		}
		w.Flush()

		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tUSER\tAPP\tCARDS\tSPEED\tRANGE\tONLINE")
		for _, wk := range ov.Workers {
			current := "-"
			if wk.CurrentRange != nil {
				current = *wk.CurrentRange
			}
			name := wk.User
			if wk.WorkerName != nil {
				name = *wk.WorkerName
			}
			online := ""
			if wk.Online {
				online = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f\t%s\t%s\n",
				name, wk.User, wk.ApplicationType, wk.CardsConnected,
				wk.SpeedKeysPerSecond, current, online)
		}
		w.Flush()
		return nil
	},
}

var puzzlesCmd = &cobra.Command{
	Use:   "puzzles",
	Short: "Manage puzzles",
}

var puzzlesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List puzzles",
	RunE: func(cmd *cobra.Command, args []string) error {
		puzzles, err := newClient().ListPuzzles(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(puzzles)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CODE\tNAME\tENABLED\tRANDOM\tWEIGHT\tMIN\tMAX\tCHUNK")
		for _, p := range puzzles {
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%g\t%s\t%s\t%d\n",
				p.Code, p.DisplayName, p.Enabled, p.Randomized, p.Weight,
				p.MinPrefixHex, p.MaxPrefixHex, p.ChunkSize)
		}
		w.Flush()
		return nil
	},
}

var puzzleFile string

var puzzlesUpsertCmd = &cobra.Command{
	Use:   "upsert <code>",
	Short: "Create or update a puzzle from a JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if puzzleFile == "" || puzzleFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(puzzleFile)
		}
		if err != nil {
			return fmt.Errorf("read puzzle document: %w", err)
		}
		var in coordinator.PuzzleInput
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("parse puzzle document: %w", err)
		}
		p, err := newClient().UpsertPuzzle(cmd.Context(), args[0], in)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(p)
		}
		fmt.Printf("Puzzle %s saved (%s..%s, chunk %d)\n", p.Code, p.MinPrefixHex, p.MaxPrefixHex, p.ChunkSize)
		return nil
	},
}

var puzzlesDeleteCmd = &cobra.Command{
	Use:   "delete <code>",
	Short: "Delete a puzzle and its ranges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeletePuzzle(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Puzzle %s deleted\n", strings.ToUpper(args[0]))
		return nil
	},
}

var keysLimit int

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List recorded key discoveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := newClient().ListKeyFinds(cmd.Context(), keysLimit)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(events)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REPORTED\tPUZZLE\tWORKER\tUSER\tPRIVATE KEY")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ev.ReportedAt.Format("2006-01-02 15:04:05"), ev.Puzzle, ev.WorkerName, ev.User, ev.PrivateKey)
		}
		w.Flush()
		return nil
	},
}

func init() {
	puzzlesUpsertCmd.Flags().StringVarP(&puzzleFile, "file", "f", "", "JSON puzzle document (default stdin)")
	keysCmd.Flags().IntVar(&keysLimit, "limit", 100, "Maximum events to show")

	addClientFlags(overviewCmd, puzzlesListCmd, puzzlesUpsertCmd, puzzlesDeleteCmd, keysCmd)

	puzzlesCmd.AddCommand(puzzlesListCmd, puzzlesUpsertCmd, puzzlesDeleteCmd)
	rootCmd.AddCommand(overviewCmd, puzzlesCmd, keysCmd)
}
