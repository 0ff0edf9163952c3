package rotation

import (
	"testing"

	"dynamix/internal/plex"
)

// zeroReader makes crypto/rand.Int deterministic: every draw picks index 0.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func coll(title string, items int) plex.Collection {
	return plex.Collection{RatingKey: title, Title: title, ItemCount: items}
}

func TestSelectFiltersEligibility(t *testing.T) {
	t.Parallel()

	collections := []plex.Collection{
		coll("Kept", 5),
		coll("Empty", 0),
		coll("OnCooldown", 10),
		coll("Exempt", 10),
	}
	exclusions := map[string]string{"OnCooldown": "2026-09-03"}
	exemptions := map[string]struct{}{"Exempt": {}}

	res, err := Select(collections, 1, 1, exclusions, exemptions, zeroReader{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.EligibleCount != 1 {
		t.Fatalf("EligibleCount = %d, want 1", res.EligibleCount)
	}
	if len(res.Selected) != 1 || res.Selected[0].Title != "Kept" {
		t.Fatalf("Selected = %v, want [Kept]", res.Selected)
	}
}

func TestSelectInsufficientQuota(t *testing.T) {
	t.Parallel()

	collections := []plex.Collection{coll("A", 3), coll("B", 3)}
	res, err := Select(collections, 3, 1, nil, nil, zeroReader{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !res.InsufficientQuota {
		t.Fatal("expected InsufficientQuota")
	}
	if len(res.Selected) != 0 {
		t.Fatalf("expected no selection, got %v", res.Selected)
	}
	if res.EligibleCount != 2 {
		t.Fatalf("EligibleCount = %d, want 2", res.EligibleCount)
	}
}

func TestSelectZeroQuota(t *testing.T) {
	t.Parallel()

	collections := []plex.Collection{coll("A", 3), coll("B", 3)}
	res, err := Select(collections, 0, 1, nil, nil, zeroReader{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.InsufficientQuota || len(res.Selected) != 0 {
		t.Fatalf("quota 0 should select nothing: %+v", res)
	}
}

func TestSelectDrawsDistinct(t *testing.T) {
	t.Parallel()

	collections := []plex.Collection{
		coll("A", 2), coll("B", 2), coll("C", 2), coll("D", 2), coll("E", 2),
	}

	// Repeated draws against the real entropy source must always yield
	// distinct titles from the eligible set.
	for i := 0; i < 50; i++ {
		res, err := Select(collections, 3, 1, nil, nil, nil)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if len(res.Selected) != 3 {
			t.Fatalf("len(Selected) = %d, want 3", len(res.Selected))
		}
		seen := map[string]struct{}{}
		for _, c := range res.Selected {
			if _, dup := seen[c.Title]; dup {
				t.Fatalf("duplicate selection %q in %v", c.Title, res.Selected)
			}
			seen[c.Title] = struct{}{}
		}
	}
}

func TestSelectExactQuota(t *testing.T) {
	t.Parallel()

	collections := []plex.Collection{coll("A", 1), coll("B", 1)}
	res, err := Select(collections, 2, 1, nil, nil, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.InsufficientQuota {
		t.Fatal("eligible == quota must not report insufficiency")
	}
	if len(res.Selected) != 2 {
		t.Fatalf("len(Selected) = %d, want 2", len(res.Selected))
	}
}

func TestSelectMinimumItemsBoundary(t *testing.T) {
	t.Parallel()

	collections := []plex.Collection{coll("AtMin", 3), coll("BelowMin", 2)}
	res, err := Select(collections, 1, 3, nil, nil, zeroReader{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.EligibleCount != 1 || res.Selected[0].Title != "AtMin" {
		t.Fatalf("minimum_items must be inclusive: %+v", res)
	}
}
