package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"docrag/src/core/retrieval"
)

var (
	searchMax       int
	searchType      string
	searchState     string
	searchCategory  int64
	searchDocTypes  []string
	searchThreshold float64
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run an ad-hoc knowledge search",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchMax, "max", "n", 0, "maximum results (default ranking.default_max_results)")
	searchCmd.Flags().StringVarP(&searchType, "type", "t", string(retrieval.SearchHybrid), "semantic, keyword or hybrid")
	searchCmd.Flags().StringVar(&searchState, "state", "", "field service order state, e.g. in_progress")
	searchCmd.Flags().Int64Var(&searchCategory, "category", 0, "equipment category id")
	searchCmd.Flags().StringSliceVar(&searchDocTypes, "doc-type", nil, "restrict to document types")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "minimum similarity (default ranking.default_threshold)")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openDB()
	if err != nil {
		return err
	}
	defer closeDB(db)

	store, err := newStore(db)
	if err != nil {
		return err
	}
	emb, err := newEmbedder(ctx)
	if err != nil {
		return err
	}
	engine, err := newEngine(store, emb.query)
	if err != nil {
		return err
	}

	q := retrieval.Query{
		Text:          strings.Join(args, " "),
		MaxResults:    searchMax,
		SearchType:    retrieval.SearchType(searchType),
		DocumentTypes: searchDocTypes,
		Context:       retrieval.Context{FSMState: searchState},
	}
	if searchCategory > 0 {
		q.Context.EquipmentCategoryID = &searchCategory
	}
	if cmd.Flags().Changed("threshold") {
		q.Threshold = &searchThreshold
	}

	printResponse(cmd, engine.Search(ctx, q))
	return nil
}

func printResponse(cmd *cobra.Command, resp retrieval.Response) {
	title := color.New(color.FgGreen, color.Bold).SprintFunc()
	faint := color.New(color.FgHiBlack).SprintFunc()
	hit := color.New(color.FgYellow).SprintFunc()
	warn := color.New(color.FgRed).SprintFunc()

	out := cmd.OutOrStdout()
	if resp.Degraded {
		fmt.Fprintln(out, warn("warning: a sub-search failed, results may be incomplete"))
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "no relevant information found")
		return
	}

	for i, r := range resp.Results {
		md := r.Chunk.Metadata
		fmt.Fprintf(out, "%d. %s %s\n", i+1, title(md.DocumentName), faint(fmt.Sprintf("[%s, chunk %d]", md.DocumentType, r.Chunk.Index)))
		fmt.Fprintf(out, "   score %.3f  similarity %.3f  relevance %s  source %s\n", r.Score, r.Similarity, r.Relevance, r.Factors.Source)
		if len(r.MatchedKeywords) > 0 {
			fmt.Fprintf(out, "   keywords: %s\n", hit(strings.Join(r.MatchedKeywords, ", ")))
		}
		fmt.Fprintf(out, "   %s\n\n", preview(r.Chunk.Content, 240))
	}
	fmt.Fprintln(out, faint(fmt.Sprintf("%d results, score avg %.3f max %.3f min %.3f, types %s",
		resp.Total, resp.AvgScore, resp.MaxScore, resp.MinScore, strings.Join(resp.DocumentTypes, ","))))
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
