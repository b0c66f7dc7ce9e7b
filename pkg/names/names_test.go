package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Qwen2.5-7B-Instruct", "qwen2-5-7b-instruct"},
		{"my_model.v1", "my-model-v1"},
		{"123abc", "abc"},
		{"--_Model", "model"},
		{"a b/c@d", "abcd"},
		{"", ""},
		{"9999", ""},
		{"ÄÖÜmodel", "model"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"Qwen2.5-7B", "__x__", "A.B_C", "1-2-3", "DeepSeek-R1-Distill-Llama-8B", "x!@#y"}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "normalize should be idempotent for %q", in)
		if once != "" {
			assert.Regexp(t, `^[a-z][-a-z0-9]*$`, once)
		}
	}
}

func TestStackName(t *testing.T) {
	assert.Equal(t, "mdctl-model-qwen2-5-7b", StackName("Qwen2.5-7B", ""))
	assert.Equal(t, "mdctl-model-qwen2-5-7b", StackName("Qwen2.5-7B", DefaultTag))
	assert.Equal(t, "mdctl-model-qwen2-5-7b-prod", StackName("Qwen2.5-7B", "prod"))
	assert.Equal(t, StackName("m", "t"), StackName("m", "t"), "stack names should be deterministic")
}

func TestStackName_DistinctKeys(t *testing.T) {
	keys := []Key{
		{"m", "t"},
		{"m", "u"},
		{"n", "t"},
		{"m", DefaultTag},
		{"model-a", "v1"},
		{"model-b", "v1"},
	}
	seen := make(map[string]Key)
	for _, k := range keys {
		name := k.StackName()
		if prev, ok := seen[name]; ok {
			t.Fatalf("keys %v and %v share stack name %q", prev, k, name)
		}
		seen[name] = k
		assert.True(t, IsModelStack(name))
	}
}

func TestParseIdentifier(t *testing.T) {
	k, err := ParseIdentifier("Qwen2.5-7B/prod")
	require.NoError(t, err)
	assert.Equal(t, Key{ModelID: "Qwen2.5-7B", Tag: "prod"}, k)

	k, err = ParseIdentifier("Qwen2.5-7B")
	require.NoError(t, err)
	assert.Equal(t, Key{ModelID: "Qwen2.5-7B", Tag: DefaultTag}, k)

	k, err = ParseIdentifier("m/")
	require.NoError(t, err)
	assert.Equal(t, Key{ModelID: "m", Tag: DefaultTag}, k)

	_, err = ParseIdentifier("  ")
	assert.Error(t, err)
}

func TestKey_Matches(t *testing.T) {
	k := NewKey("m", "")
	assert.True(t, k.Matches("m", ""))
	assert.True(t, k.Matches("m", DefaultTag))
	assert.False(t, k.Matches("m", "prod"))
	assert.False(t, k.Matches("n", ""))
	assert.Equal(t, "m/dev", k.String())
}
