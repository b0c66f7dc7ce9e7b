package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/mdctl/pkg/destroy"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/names"
)

type fakeDestroyer struct {
	key    names.Key
	result *destroy.Result
	err    error
}

func (f *fakeDestroyer) Destroy(ctx context.Context, key names.Key) (*destroy.Result, error) {
	f.key = key
	return f.result, f.err
}

func TestNewDestroyCmd_Flags(t *testing.T) {
	cmd := newDestroyCmd()

	if cmd.Use != "destroy [model/tag]" {
		t.Errorf("expected use 'destroy [model/tag]', got '%s'", cmd.Use)
	}

	for _, name := range []string{"model-id", "model-tag", "auto-approve", "output"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("expected flag '%s'", name)
		}
	}
}

func TestDestroyCmd_ArgumentAndFlagConflict(t *testing.T) {
	isolateConfig(t)
	cmd := newDestroyCmd()
	cmd.SetArgs([]string{"Qwen2.5-7B-Instruct/dev", "--model-id", "Qwen2.5-7B-Instruct", "--auto-approve"})
	cmd.SetOut(&strings.Builder{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
}

func TestConfirm(t *testing.T) {
	key := names.NewKey("Qwen2.5-7B-Instruct", "dev")

	tests := []struct {
		input    string
		expected bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}

	for _, tt := range tests {
		out := &strings.Builder{}
		if got := confirm(out, strings.NewReader(tt.input), key); got != tt.expected {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.expected)
		}
		if !strings.Contains(out.String(), "Destroy deployment Qwen2.5-7B-Instruct/dev?") {
			t.Errorf("unexpected prompt %q", out.String())
		}
	}
}

func TestRunDestroy(t *testing.T) {
	key := names.NewKey("Qwen2.5-7B-Instruct", "dev")

	tests := []struct {
		name     string
		result   *destroy.Result
		expected string
	}{
		{
			name:     "stack",
			result:   &destroy.Result{Key: key, StackName: key.StackName(), Method: destroy.MethodStack, Status: "DELETE_COMPLETE", Elapsed: 90 * time.Second},
			expected: "Deleted stack " + key.StackName() + " (DELETE_COMPLETE) in 1m30s",
		},
		{
			name:     "execution",
			result:   &destroy.Result{Key: key, Method: destroy.MethodExecution, ExecutionID: "exec-1", Status: "Stopped", Elapsed: 20 * time.Second},
			expected: "Stopped execution exec-1 (Stopped) in 20s",
		},
		{
			name:     "local",
			result:   &destroy.Result{Key: key, Method: destroy.MethodLocal, Removed: 1},
			expected: "Removed 1 local container(s) for Qwen2.5-7B-Instruct/dev",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDestroyer{result: tt.result}
			out := &strings.Builder{}

			require.NoError(t, runDestroy(context.Background(), out, d, key, "table"))
			assert.Contains(t, out.String(), tt.expected)
			assert.Equal(t, key, d.key)
		})
	}
}

func TestRunDestroy_NotFound(t *testing.T) {
	key := names.NewKey("Qwen2.5-7B-Instruct", "dev")
	d := &fakeDestroyer{err: errors.NotFoundError("deployment", key.String())}

	err := runDestroy(context.Background(), &strings.Builder{}, d, key, "table")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}
