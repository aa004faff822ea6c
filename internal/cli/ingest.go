package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/events"
	"github.com/knoguchi/medrag/internal/ingestion"
	"github.com/knoguchi/medrag/internal/repository"
)

var (
	ingestQuery   string
	ingestFilters []string
	ingestMax     int
	ingestNoIndex bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest papers from an external source",
}

// ingestPubMedCmd searches PubMed, stores the matching papers and rebuilds the index.
var ingestPubMedCmd = &cobra.Command{
	Use:   "pubmed",
	Short: "Ingest papers matching a PubMed query",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		query := ingestQuery
		if query == "" {
			query = b.cfg.PubMedDefaultQuery
		}
		if query == "" {
			return fmt.Errorf("--query is required")
		}

		client := ingestion.NewPubMedClient(ingestion.WithAPIKey(b.cfg.NCBIAPIKey))
		return runIngest(ctx, cmd, b, query, func(fn func([]*repository.Paper) error) (int, error) {
			return client.Ingest(ctx, query, ingestMax, fn)
		})
	},
}

// ingestOpenAlexCmd pages through OpenAlex works matching the filters.
var ingestOpenAlexCmd = &cobra.Command{
	Use:   "openalex",
	Short: "Ingest OpenAlex works matching key:value filters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filters, err := parseFilters(ingestFilters)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		client := ingestion.NewOpenAlexClient(ingestion.WithMailto(b.cfg.OpenAlexMailto))
		label := ingestion.FilterString(filters)
		return runIngest(ctx, cmd, b, label, func(fn func([]*repository.Paper) error) (int, error) {
			return client.Ingest(ctx, filters, ingestMax, fn)
		})
	},
}

// runIngest stores every fetched batch and, unless disabled, reindexes and notifies servers.
func runIngest(ctx context.Context, cmd *cobra.Command, b *backend, label string,
	fetch func(fn func([]*repository.Paper) error) (int, error)) error {
	ix := b.indexer()
	progress := cmd.ErrOrStderr()

	stored := 0
	fetched, err := fetch(func(papers []*repository.Paper) error {
		n, err := ix.Ingest(ctx, papers)
		stored += n
		if err == nil {
			fmt.Fprintf(progress, "stored %d papers\n", stored)
		}
		return err
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "fetched %d, stored %d papers for %q\n", fetched, stored, label)

	if ingestNoIndex || stored == 0 {
		return nil
	}
	return reindex(ctx, out, b, events.ReasonIngest)
}

func reindex(ctx context.Context, out io.Writer, b *backend, reason string) error {
	n, err := b.indexer().Reload(ctx, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "indexed %d papers\n", n)
	return nil
}

// parseFilters turns "key:value" flags into a filter map. Values may contain colons.
func parseFilters(raw []string) (map[string]string, error) {
	filters := make(map[string]string, len(raw))
	for _, f := range raw {
		k, v, ok := strings.Cut(f, ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid filter %q, want key:value", f)
		}
		filters[k] = v
	}
	return filters, nil
}

func init() {
	for _, c := range []*cobra.Command{ingestPubMedCmd, ingestOpenAlexCmd} {
		c.Flags().IntVarP(&ingestMax, "max", "n", 1000, "maximum papers to fetch (0 for all)")
		c.Flags().BoolVar(&ingestNoIndex, "no-index", false, "skip embedding and index notification")
		ingestCmd.AddCommand(c)
	}
	ingestPubMedCmd.Flags().StringVarP(&ingestQuery, "query", "q", "", "PubMed search term")
	ingestOpenAlexCmd.Flags().StringArrayVarP(&ingestFilters, "filter", "f", nil, "OpenAlex filter as key:value (repeatable)")

	rootCmd.AddCommand(ingestCmd)
}
