package werr

import (
	"errors"
	"strings"
	"testing"
)

func TestPlanBuildErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *PlanBuildError
		want string
	}{
		{
			name: "with node id",
			err:  NewPlanBuildError(DuplicateID, "n1", "duplicate node id", nil),
			want: `plan build error [DuplicateId] node "n1": duplicate node id`,
		},
		{
			name: "without node id",
			err:  NewPlanBuildError(MalformedDefinition, "", "missing nodes", nil),
			want: "plan build error [MalformedDefinition]: missing nodes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPlanBuildErrorUnwrap(t *testing.T) {
	t.Parallel()

	underlying := errors.New("boom")
	err := NewPlanBuildError(UnknownNodeType, "n1", "bad type", underlying)

	if !errors.Is(err, underlying) {
		t.Fatalf("expected errors.Is to find underlying error")
	}
}

func TestValidationErrorIncludesNodeIDs(t *testing.T) {
	t.Parallel()

	err := NewValidationError(Cycle, []string{"a", "b", "c", "a"}, "cycle detected")
	if !strings.Contains(err.Error(), "[a b c a]") {
		t.Errorf("expected cycle path in message, got %q", err.Error())
	}
}

func TestCompatibilityErrorListsMissing(t *testing.T) {
	t.Parallel()

	err := NewCompatibilityError([]string{"FileSource", "FileSink"})
	if err.Kind != CompatibilityFailed {
		t.Errorf("expected kind %s, got %s", CompatibilityFailed, err.Kind)
	}
	if !strings.Contains(err.Error(), "FileSource") || !strings.Contains(err.Error(), "FileSink") {
		t.Errorf("expected missing types in message, got %q", err.Error())
	}
}

func TestRuntimeErrorUnwrap(t *testing.T) {
	t.Parallel()

	underlying := errors.New("timed out")
	err := NewRuntimeError(Timeout, "node-1", underlying)

	if !errors.Is(err, underlying) {
		t.Fatalf("expected errors.Is to find underlying error")
	}
	if !strings.Contains(err.Error(), "node-1") {
		t.Errorf("expected node id in message, got %q", err.Error())
	}
}
