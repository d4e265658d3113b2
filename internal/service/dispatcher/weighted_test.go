package dispatcher

import (
	"context"
	"fmt"
	"testing"

	"github.com/ixfleet/orchestrator/internal/domain"
)

type fakeScanRepo struct {
	results map[int64][]domain.ScanResult
}

func (r *fakeScanRepo) CreateRun(ctx domain.Context, run domain.ScanRun) (int64, error) {
	return 1, nil
}

func (r *fakeScanRepo) UpdateRun(ctx domain.Context, run domain.ScanRun) error { return nil }

func (r *fakeScanRepo) AppendResult(ctx domain.Context, res domain.ScanResult) (int64, error) {
	return 1, nil
}

func (r *fakeScanRepo) LatestResult(ctx domain.Context, profileID int64) (domain.ScanResult, error) {
	hist := r.results[profileID]
	if len(hist) == 0 {
		return domain.ScanResult{}, fmt.Errorf("profile %d: %w", profileID, domain.ErrNotFound)
	}
	return hist[0], nil
}

func (r *fakeScanRepo) RecentResults(ctx domain.Context, profileID int64, limit int) ([]domain.ScanResult, error) {
	return r.results[profileID], nil
}

func (r *fakeScanRepo) PurgeOld(ctx domain.Context, profileID int64, keep int) error {
	return nil
}

// TestFillScanGaps_FillsDispatchSnapshotFromHistory exercises the same
// with_fallback gap-fill the scanner package's GetLatestResult performs, but
// against the dispatcher's own direct ScanRepository read — buildSnapshot
// bypasses scanner.Service entirely, so the scoring snapshot needs the same
// fallback applied here or a profile's quota permanently looks unknown
// after one failed scan.
func TestFillScanGaps_FillsDispatchSnapshotFromHistory(t *testing.T) {
	repo := &fakeScanRepo{results: map[int64][]domain.ScanResult{
		1: {
			{ID: 2, ProfileID: 1, TokenValid: false},
			{ID: 1, ProfileID: 1, TokenValid: true, Plan: domain.PlanPlus, QuotaRemaining: 30},
		},
	}}
	w := &Weighted{scans: repo}

	got := w.fillScanGaps(context.Background(), 1, repo.results[1][0])
	if got.Plan != domain.PlanPlus || got.QuotaRemaining != 30 {
		t.Fatalf("expected snapshot scan gap-filled from history, got plan=%q quota=%d", got.Plan, got.QuotaRemaining)
	}
}

func TestFillScanGaps_CompleteResultPassesThroughUnchanged(t *testing.T) {
	repo := &fakeScanRepo{}
	w := &Weighted{scans: repo}
	res := domain.ScanResult{ID: 1, TokenValid: true, Plan: domain.PlanFree, QuotaRemaining: 5}

	got := w.fillScanGaps(context.Background(), 1, res)
	if got != res {
		t.Fatalf("expected complete result unchanged, got %+v", got)
	}
}
