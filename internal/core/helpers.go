package core

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 3

// LatestVersion returns the first non-yanked version of a newest-first list.
// Returns nil if every version is yanked or the list is empty.
func LatestVersion(versions []Version) *Version {
	for i := range versions {
		if versions[i].Status == StatusNone {
			return &versions[i]
		}
	}
	return nil
}

// FetchLatestVersion returns the latest non-yanked version of a package.
func FetchLatestVersion(ctx context.Context, reg Registry, name string) (*Version, error) {
	versions, err := reg.Versions(ctx, name)
	if err != nil {
		return nil, err
	}
	return LatestVersion(versions), nil
}

// Summarize counts packages and collects recent ones for every registry in parallel.
// The first error cancels the remaining scans.
func Summarize(ctx context.Context, regs []Registry, recentLimit int) ([]Summary, error) {
	results := make([]Summary, len(regs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultConcurrency)

	for i, reg := range regs {
		g.Go(func() error {
			start := time.Now()
			count, err := reg.Count(ctx)
			if err != nil {
				return err
			}
			recent, err := reg.Recent(ctx, recentLimit)
			if err != nil {
				return err
			}
			results[i] = Summary{
				Ecosystem: reg.Ecosystem(),
				Count:     count,
				Recent:    recent,
				Took:      time.Since(start),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
