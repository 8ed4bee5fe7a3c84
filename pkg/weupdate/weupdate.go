// Package weupdate implements the web-entity updater (C5): applying
// pending reclassification events to a corpus's search index once the
// crawl jobs they depend on have finished indexing.
package weupdate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ksysoev/hyphe-text-indexer/pkg/core"
	"github.com/ksysoev/hyphe-text-indexer/pkg/searchcluster"
)

// Store is the narrow slice of pkg/docstore.Store this package needs.
type Store interface {
	PendingWEUpdates(ctx context.Context, corpus string) ([]core.WEUpdate, error)
	CountUnindexedJobs(ctx context.Context, corpus, webentityID string, cutoff time.Time) (int64, error)
	FinishWEUpdate(ctx context.Context, corpus, id string) error
}

// SearchEngine is the narrow slice of pkg/searchcluster.Client this
// package needs.
type SearchEngine interface {
	UpdateByQuery(ctx context.Context, index string, script searchcluster.Script, query map[string]any) error
	Refresh(ctx context.Context, index string) error
}

// Applied counts how many WE-updates Apply actually finished, so the
// coordinator can tell how many of the corpus's updates remain pending.
type Applied struct {
	Count int
}

// Apply runs one round of spec §4.5 against corpus: pending updates in
// ascending timestamp order, stopping the moment one is head-of-line
// blocked. This early return — not merely skipping the blocked update — is
// the behavior the original implementation relies on: later updates must
// never overtake an update whose prerequisite jobs have not finished
// indexing.
func Apply(ctx context.Context, store Store, engine SearchEngine, corpus string) (Applied, error) {
	updates, err := store.PendingWEUpdates(ctx, corpus)
	if err != nil {
		return Applied{}, fmt.Errorf("weupdate: list pending updates for %s: %w", corpus, err)
	}

	index := core.IndexName(corpus)
	applied := Applied{}

	for _, u := range updates {
		blocked, err := store.CountUnindexedJobs(ctx, corpus, u.OldWebentity, u.Timestamp)
		if err != nil {
			return applied, fmt.Errorf("weupdate: count unindexed jobs for %s: %w", corpus, err)
		}

		if blocked > 0 {
			slog.InfoContext(ctx, "weupdate: head-of-line blocked, stopping round",
				"corpus", corpus, "update", u.ID, "old_webentity", u.OldWebentity, "blocked_jobs", blocked)

			return applied, nil
		}

		query := searchcluster.TermWebentityQuery(u.OldWebentity, u.Prefixes)
		script := searchcluster.Script{
			Source: "ctx._source.webentity_id = params.new_webentity; ctx._source.WEUpdateDate = params.now",
			Params: map[string]any{
				"new_webentity": u.NewWebentity,
				"now":           time.Now().UTC().Format(time.RFC3339),
			},
		}

		if err := engine.UpdateByQuery(ctx, index, script, query); err != nil {
			slog.WarnContext(ctx, "weupdate: update-by-query failed, leaving pending",
				"corpus", corpus, "update", u.ID, "error", err)

			continue
		}

		if err := store.FinishWEUpdate(ctx, corpus, u.ID); err != nil {
			slog.WarnContext(ctx, "weupdate: failed to mark update finished",
				"corpus", corpus, "update", u.ID, "error", err)

			continue
		}

		if err := engine.Refresh(ctx, index); err != nil {
			slog.WarnContext(ctx, "weupdate: refresh failed after applied update",
				"corpus", corpus, "update", u.ID, "error", err)
		}

		applied.Count++
	}

	return applied, nil
}
