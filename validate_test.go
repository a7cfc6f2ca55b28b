package substrate

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePlanContent(t *testing.T) {
	spec, _ := SpecFor(FilePlan)

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "valid plan",
			content: "# Plan\n\n## Current Goal\n\nShip it.\n\n## Tasks\n\n- [ ] first step\n- [x] done step\n",
		},
		{
			name:    "missing goal section",
			content: "# Plan\n\n## Tasks\n\n- [ ] step\n",
			wantErr: "Current Goal",
		},
		{
			name:    "missing task list",
			content: "# Plan\n\n## Current Goal\n\nShip it.\n\n## Tasks\n\nnothing checkable\n",
			wantErr: "no task list",
		},
		{
			name:    "heading level three does not count",
			content: "# Plan\n\n### Current Goal\n\n## Tasks\n\n- [ ] step\n",
			wantErr: "Current Goal",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(spec, []byte(tt.content))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
			var verr *ErrValidation
			if !errors.As(err, &verr) {
				t.Errorf("expected *ErrValidation, got %T", err)
			}
		})
	}
}

func TestValidateInboxSections(t *testing.T) {
	spec, _ := SpecFor(FileAgoraInbox)
	if err := ValidateContent(spec, []byte(spec.Template)); err != nil {
		t.Fatalf("template should validate: %v", err)
	}
	err := ValidateContent(spec, []byte("# Agora Inbox\n\n## Unread\n"))
	if err == nil {
		t.Fatal("expected missing Read section to fail")
	}
}

func TestValidateFreeFormSkipsParsing(t *testing.T) {
	spec, _ := SpecFor(FileMemory)
	if err := ValidateContent(spec, []byte("anything at all")); err != nil {
		t.Fatalf("free-form file should always validate: %v", err)
	}
}
