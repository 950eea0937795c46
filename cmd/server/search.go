package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scanstream/backend/internal/index"
)

const snippetLength = 80

var (
	searchLimit int
	searchJSON  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed pages",
	Long: `Searches the pages indexed by the last scan run. Every word of the query
must appear in a page; pages with more matches rank first. Without a query
all pages are listed in page order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	var query string
	if len(args) == 1 {
		query = args[0]
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := index.NewStore(cfg.Index.DataDir)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer store.Close()

	hits, err := store.Search(cmd.Context(), query, searchLimit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		return outputSearchJSON(cmd, hits)
	}
	outputSearchTable(cmd, hits)
	return nil
}

func outputSearchJSON(cmd *cobra.Command, hits []index.Hit) error {
	if hits == nil {
		hits = []index.Hit{}
	}
	data, err := json.MarshalIndent(hits, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func outputSearchTable(cmd *cobra.Command, hits []index.Hit) {
	if len(hits) == 0 {
		cmd.Println("No results found.")
		return
	}

	cmd.Println("Results:")
	cmd.Println()
	for _, h := range hits {
		cmd.Printf("  [page %s] %s\n", h.Sequence, h.Location)
		if s := snippet(h.Text); s != "" {
			cmd.Printf("      %s\n", s)
		}
		cmd.Println()
	}
}

// snippet flattens text onto one line and cuts it at snippetLength runes.
func snippet(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	r := []rune(flat)
	if len(r) <= snippetLength {
		return flat
	}
	return string(r[:snippetLength]) + "..."
}
