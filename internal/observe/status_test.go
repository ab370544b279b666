package observe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/attune/pkg/memory"
	"github.com/MrWong99/attune/pkg/provider"
	"github.com/MrWong99/attune/pkg/vecmath"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"timeout", provider.Wrap(provider.KindEmbeddings, "x", context.DeadlineExceeded), "provider_timeout"},
		{"provider", provider.Wrap(provider.KindRerank, "x", errors.New("boom")), "provider_error"},
		{"dimension", fmt.Errorf("fuse: %w", &vecmath.DimensionError{Op: "x", Got: 1, Want: 2}), "dimension_mismatch"},
		{"storage", &memory.StorageError{Op: "x", Err: errors.New("down")}, "storage_error"},
		{"other", errors.New("bad input"), "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(tt.err); got != tt.want {
				t.Errorf("Status(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
