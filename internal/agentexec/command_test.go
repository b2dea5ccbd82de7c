package agentexec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommandExpandsPlaceholders(t *testing.T) {
	cmd, err := BuildCommand("claude -p {intent} --task {task_id}", map[string]string{
		"intent":  "fix the login bug",
		"task_id": "abc-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "claude -p 'fix the login bug' --task 'abc-123'", cmd)
}

func TestBuildCommandNoPlaceholders(t *testing.T) {
	cmd, err := BuildCommand("my-agent --yes", map[string]string{"intent": "x"})
	require.NoError(t, err)
	assert.Equal(t, "my-agent --yes", cmd)
}

func TestBuildCommandUnknownPlaceholder(t *testing.T) {
	_, err := BuildCommand("agent {surprise}", map[string]string{"intent": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "surprise")
}

func TestBuildCommandUnterminatedPlaceholder(t *testing.T) {
	_, err := BuildCommand("agent {intent", map[string]string{"intent": "x"})
	assert.Error(t, err)
}

func TestBuildCommandQuotesHostileValues(t *testing.T) {
	cmd, err := BuildCommand("agent -p {intent}", map[string]string{
		"intent": "it's; rm -rf $HOME",
	})
	require.NoError(t, err)
	assert.Equal(t, `agent -p 'it'\''s; rm -rf $HOME'`, cmd)

	// The quoted value survives tokenization as exactly one argument.
	argv, err := splitShellArgs(cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "-p", "it's; rm -rf $HOME"}, argv)
}

func TestSplitShellArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`claude -p hello`, []string{"claude", "-p", "hello"}},
		{`claude -p 'fix the flaky test'`, []string{"claude", "-p", "fix the flaky test"}},
		{`agent "double quoted arg"`, []string{"agent", "double quoted arg"}},
		{`agent escaped\ space`, []string{"agent", "escaped space"}},
		{`agent "nested 'single'"`, []string{"agent", "nested 'single'"}},
		{`agent 'nested "double"'`, []string{"agent", `nested "double"`}},
		{"agent\targ", []string{"agent", "arg"}},
		{`agent "escaped \" quote"`, []string{"agent", `escaped " quote`}},
		{``, nil},
		{`   `, nil},
	}
	for _, tt := range tests {
		got, err := splitShellArgs(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSplitShellArgsUnterminatedQuotes(t *testing.T) {
	_, err := splitShellArgs(`agent 'oops`)
	assert.Error(t, err)

	_, err = splitShellArgs(`agent "oops`)
	assert.Error(t, err)
}
