package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memoryengine/internal/consolidate"
	"memoryengine/internal/engerr"
	"memoryengine/internal/record"
	"memoryengine/internal/retrieval"
)

// opDeadline bounds every foreground CLI operation; expiry surfaces as a
// Timeout and the in-flight statement rolls back.
const opDeadline = 60 * time.Second

func consolidateCmd() *cobra.Command {
	var (
		projectID   string
		strategy    string
		maxPatterns int
	)
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Compress a project's raw event stream into patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return engerr.Validationf("consolidate", fmt.Errorf("--project-id is required"))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opDeadline)
			defer cancel()

			report, err := eng.Consolidate(ctx, projectID, consolidate.Strategy(strategy), maxPatterns)
			if err != nil {
				return err
			}
			logger.Info("consolidation finished",
				zap.String("run_id", report.RunID),
				zap.Int("scored", report.Scored),
				zap.Int("emitted", report.Emitted),
				zap.Int("conflicts_resolved", report.ConflictsResolved),
				zap.Duration("duration", report.Duration))
			fmt.Printf("run %s: scored=%d emitted=%d procedures=%d conflicts=%d windows_closed=%d duration=%v\n",
				report.RunID, report.Scored, report.Emitted, report.ProceduresDerived,
				report.ConflictsResolved, report.WindowsClosed, report.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project scope (required)")
	cmd.Flags().StringVar(&strategy, "strategy", "balanced", "fast, balanced, or quality")
	cmd.Flags().IntVar(&maxPatterns, "max-patterns", 0, "cap on emitted patterns (0 = unlimited)")
	return cmd
}

func retrieveCmd() *cobra.Command {
	var (
		projectID     string
		queryText     string
		k             int
		kinds         []string
		tags          []string
		minConfidence float64
		useRerank     bool
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Hybrid retrieval of the top-k records for a query",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return engerr.Validationf("retrieve", fmt.Errorf("--project-id is required"))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opDeadline)
			defer cancel()

			q := retrieval.Query{
				Text:          queryText,
				Tags:          tags,
				MinConfidence: minConfidence,
			}
			for _, kind := range kinds {
				q.Kinds = append(q.Kinds, record.Kind(kind))
			}

			resp, err := eng.Retrieve(ctx, projectID, q, k, retrieval.Options{UseRerank: useRerank})
			if err != nil {
				return err
			}
			if resp.Degraded {
				fmt.Println("# degraded: lexical-only ranking")
			}
			if resp.Clamped {
				fmt.Println("# note: k clamped to configured ceiling")
			}
			for i, r := range resp.Results {
				fmt.Printf("%2d. [%s] %s  score=%.4f", i+1, r.Kind, r.ID, r.Score)
				if r.Diagnostics.Labile {
					fmt.Printf("  labile")
				}
				fmt.Printf("\n    %s\n", r.Content)
			}
			if len(resp.Results) == 0 {
				fmt.Println("no results")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project scope (required)")
	cmd.Flags().StringVar(&queryText, "query", "", "query text")
	cmd.Flags().IntVar(&k, "k", 10, "number of results")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "restrict to record kinds")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "restrict to tags")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "confidence floor")
	cmd.Flags().BoolVar(&useRerank, "rerank", false, "rerank with the validator")
	return cmd
}

func healthCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Summarize a project's lifecycle counts and consolidation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return engerr.Validationf("health", fmt.Errorf("--project-id is required"))
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opDeadline)
			defer cancel()

			h, err := eng.ProjectHealth(ctx, projectID)
			if err != nil {
				return err
			}
			fmt.Printf("project %s\n", h.ProjectID)
			for _, lc := range []record.Lifecycle{
				record.LifecycleActive, record.LifecycleLabile, record.LifecycleConsolidated,
				record.LifecycleNeedsReview, record.LifecycleArchived, record.LifecycleSuperseded,
			} {
				fmt.Printf("  %-14s %d\n", lc, h.LifecycleCounts[lc])
			}
			fmt.Printf("  contradiction backlog: %d\n", h.ContradictionBacklog)
			fmt.Printf("  unconsolidated events: %d\n", h.UnconsolidatedEvents)
			fmt.Printf("  cognitive load: %.2f (labile=%d attended=%d cap=%d)\n",
				h.Load.Load, h.Load.LabileCount, h.Load.AttendedCount, h.Load.Cap)
			if h.LastConsolidation != nil {
				fmt.Printf("  last consolidation: %v ago\n", time.Since(*h.LastConsolidation).Round(time.Second))
			} else {
				fmt.Println("  last consolidation: never")
			}
			fmt.Printf("  pool: size=%d idle=%d\n", h.PoolSize, h.PoolIdle)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project scope (required)")
	return cmd
}
