package casestore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"dossier/internal/casestore"
)

// Evidence ids stay unique within a case however many artifacts arrive.
func TestEvidenceIDsUniqueWithinCase(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("evidence ids are unique", prop.ForAll(
		func(hashes []string) bool {
			store, err := casestore.Open(context.Background(), casestore.NewFileManifests(t.TempDir()))
			if err != nil {
				return false
			}
			if _, err := store.CreateCase(context.Background(), "case-prop"); err != nil {
				return false
			}
			seen := make(map[string]struct{}, len(hashes))
			for _, hash := range hashes {
				rec, _, err := store.AddEvidence("case-prop", casestore.EvidenceRecord{ContentHash: hash}, false)
				if err != nil {
					return false
				}
				if _, dup := seen[rec.ID]; dup {
					return false
				}
				seen[rec.ID] = struct{}{}
			}
			return len(seen) == len(hashes)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Evidence written to one case is never listed by another.
func TestEvidenceNeverCrossesCases(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("cases are isolated", prop.ForAll(
		func(assignments []bool) bool {
			store, err := casestore.Open(context.Background(), casestore.NewFileManifests(t.TempDir()))
			if err != nil {
				return false
			}
			for _, id := range []string{"case-a", "case-b"} {
				if _, err := store.CreateCase(context.Background(), id); err != nil {
					return false
				}
			}
			want := map[string]int{}
			for i, toA := range assignments {
				target := "case-b"
				if toA {
					target = "case-a"
				}
				hash := fmt.Sprintf("%s-%d", target, i)
				if _, _, err := store.AddEvidence(target, casestore.EvidenceRecord{ContentHash: hash}, true); err != nil {
					return false
				}
				want[target]++
			}
			for _, id := range []string{"case-a", "case-b"} {
				list, err := store.ListEvidence(id)
				if err != nil || len(list) != want[id] {
					return false
				}
				for _, rec := range list {
					if len(rec.ContentHash) < len(id) || rec.ContentHash[:len(id)] != id {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
