package services_test

import (
	"context"
	"testing"

	"dossier/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithCaseID(ctx, "case-42")
	ctx = services.WithSection(ctx, "section-3")
	ctx = services.WithStage(ctx, "extract")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.CaseIDFromContext(ctx); !ok || id != "case-42" {
		t.Fatalf("unexpected case id: %v %v", id, ok)
	}
	if section, ok := services.SectionFromContext(ctx); !ok || section != "section-3" {
		t.Fatalf("unexpected section: %v %v", section, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "extract" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestStageBlankPreservesContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
}
