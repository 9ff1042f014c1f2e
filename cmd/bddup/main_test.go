package main

import (
	"errors"
	"testing"

	"github.com/ivoronin/bddup/internal/journal"
)

func TestExitCodeMapsErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err error
		want int
	}{
		{"success", nil, 0},
		{"generic error", errors.New("boom"), 1},
		{"invalid args", &invalidArgsError{msg: "bad flag"}, 2},
		{"journal incompatible", &journal.ErrIncompatible{Reason: "hash algorithm mismatch"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
