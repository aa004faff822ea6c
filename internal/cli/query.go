package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/llm"
	"github.com/knoguchi/medrag/internal/pipeline"
	"github.com/knoguchi/medrag/internal/reranker"
	"github.com/knoguchi/medrag/internal/retrieval"
)

var (
	queryLimit    int
	queryAlpha    float64
	queryNoRerank bool
)

// queryCmd builds a local index from the paper store and runs one retrieval.
var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve papers for a query against a locally built index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		retriever, err := retrieval.NewHybridRetriever(b.embed, retrieval.WithAlpha(b.cfg.HybridAlpha))
		if err != nil {
			return err
		}

		var rr reranker.Reranker
		if b.cfg.RerankerURL != "" {
			rr = reranker.NewCrossEncoder(b.cfg.RerankerURL, reranker.WithCrossEncoderModel(b.cfg.RerankerModel))
		} else {
			rr = reranker.NewLLMReranker(
				llm.NewOllamaClient(llm.WithBaseURL(b.cfg.OllamaURL), llm.WithModel(b.cfg.LLMModel)),
				reranker.WithModel(b.cfg.LLMModel),
			)
		}
		pipe := pipeline.New(retriever,
			pipeline.WithReranker(rr),
			pipeline.WithLimits(b.cfg.DefaultLimit, b.cfg.MaxLimit),
			pipeline.WithDefaultAlpha(b.cfg.HybridAlpha),
		)

		// Rebuild does not publish, so running a query never triggers server reloads.
		ix := ingestion.NewIndexer(b.papers, b.embed,
			ingestion.WithVectorStore(b.vectors),
			ingestion.WithLoader(pipe),
		)
		if _, err := ix.Rebuild(ctx); err != nil {
			return err
		}

		req := pipeline.RetrieveRequest{
			Query:       strings.Join(args, " "),
			Limit:       queryLimit,
			UseReranker: !queryNoRerank,
		}
		if cmd.Flags().Changed("alpha") {
			req.Alpha = &queryAlpha
		}
		results, err := pipe.Retrieve(ctx, req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "k", 10, "number of papers to return")
	queryCmd.Flags().Float64Var(&queryAlpha, "alpha", 0.5, "dense score weight in [0,1]")
	queryCmd.Flags().BoolVar(&queryNoRerank, "no-rerank", false, "skip the reranking stage")
	rootCmd.AddCommand(queryCmd)
}
