package capability

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnavailableCompleteReturnsError(t *testing.T) {
	u := Unavailable{Reason: "no capability configured for workspace"}
	out, err := u.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.Empty(t, out)
	var unavailErr *UnavailableError
	assert.ErrorAs(t, err, &unavailErr)
	assert.Contains(t, err.Error(), "no capability configured")
}

func TestValidatePromptRejectsEmptyOversizedAndNullByte(t *testing.T) {
	assert.Error(t, validatePrompt(""))
	assert.Error(t, validatePrompt(string(make([]byte, 16001))))
	assert.Error(t, validatePrompt("hello\x00world"))
	assert.NoError(t, validatePrompt("a reasonable prompt"))
}

func TestResolveRunnerDispatchesOnAgentPrefix(t *testing.T) {
	claudeRunner, err := resolveRunner("claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "claude", claudeRunner.command)

	defaultRunner, err := resolveRunner("")
	require.NoError(t, err)
	assert.Equal(t, "claude", defaultRunner.command)

	openRunner, err := resolveRunner("opencode-worker-1")
	require.NoError(t, err)
	assert.Equal(t, "opencode", openRunner.command)

	_, err = resolveRunner("gpt-unknown")
	assert.Error(t, err)
}

func TestNewCLIRunnerHonorsDisableEnvVar(t *testing.T) {
	t.Setenv(disableExternalLLMEnv, "1")
	_, err := NewCLIRunner("claude")
	require.Error(t, err)
	assert.Contains(t, err.Error(), disableExternalLLMEnv)
}

func TestLimitedWriterCapsAtMaxBytesButReportsFullLength(t *testing.T) {
	w := &limitedWriter{maxBytes: 4}
	n, err := w.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hell", w.buf.String())

	n2, err := w.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n2)
	assert.Equal(t, "hell", w.buf.String())
}

func TestRegistryResolveFallsBackToUnavailableWhenCLIMissing(t *testing.T) {
	t.Setenv(disableExternalLLMEnv, "")
	origPath := os.Getenv("PATH")
	t.Setenv("PATH", "")
	defer os.Setenv("PATH", origPath)

	reg := NewRegistry(60)
	resolved := reg.Resolve("claude")
	_, err := resolved.Complete(context.Background(), "hi")
	require.Error(t, err)
}

func TestBudgetedCapabilityEnforcesRate(t *testing.T) {
	calls := 0
	inner := fakeCapability(func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "ok", nil
	})
	budgeted := NewBudgetedCapability(inner, 600) // 10/sec, generous burst

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := budgeted.Complete(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 1, calls)
}

type fakeCapability func(ctx context.Context, prompt string) (string, error)

func (f fakeCapability) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
