package ledger_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"dossier/internal/bus"
	"dossier/internal/casestore"
	"dossier/internal/ledger"
)

// Whatever arrives, every returned need record is classified and the list is
// ordered newest enrichment first.
func TestNeedResponsesOrderedAndClassified(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	names := gen.OneConstOf("lease.pdf", "server.log", "mail.eml", "blob.bin", "photo.png")
	properties.Property("need replies are ordered", prop.ForAll(
		func(sources []string) bool {
			ctx := context.Background()
			store, err := casestore.Open(ctx, casestore.NewFileManifests(t.TempDir()))
			if err != nil {
				return false
			}
			if _, err := store.CreateCase(ctx, "case-prop"); err != nil {
				return false
			}
			l, err := ledger.New(ledger.Options{Store: store, Bus: bus.New(bus.Options{})})
			if err != nil {
				return false
			}
			for i, source := range sources {
				content := []byte{byte(i), byte(i >> 8)}
				if _, err := l.Ingest(ctx, "case-prop", ledger.ArtifactDescriptor{Source: source, Content: content}); err != nil {
					return false
				}
			}
			records, err := l.RespondToNeed(ctx, "case-prop", "intake", ledger.NeedFilter{})
			if err != nil {
				return false
			}
			for i, rec := range records {
				if rec.Type == ledger.Unclassified {
					return false
				}
				if i > 0 && rec.LastEnriched().After(records[i-1].LastEnriched()) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(names),
	))

	properties.TestingRun(t)
}
