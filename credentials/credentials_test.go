package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_TOKEN", "secret123")

	input := `{"auth_token": {{ env "TEST_TOKEN" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "secret123", creds.AuthToken)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	input := `{"auth_token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}`
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefaultFunction(t *testing.T) {
	input := `{"auth_token": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.AuthToken)
}

func TestResolveReader_EnvDefaultWithSetVar(t *testing.T) {
	t.Setenv("TEST_VAR", "actual")

	input := `{"auth_token": {{ envDefault "TEST_VAR" "fallback" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "actual", creds.AuthToken)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "token.txt")
	err := os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600)
	require.NoError(t, err)

	input := `{"auth_token": {{ file "` + tmpFile + `" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "file-secret", creds.AuthToken)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	input := `{"auth_token": {{ env "TEST_SPECIAL" | json }}}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.AuthToken)
}

func TestResolveReader_MockProvider(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{"auth_token": {{ mock "my-secret" | json }}}`
	r := NewResolver(WithProvider("mock", mockProvider))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-my-secret", creds.AuthToken)
	require.Equal(t, 1, callCount)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	// Same provider+ref used twice
	input := `{
		"auth_token": {{ mock "same-ref" | json }},
		"synth_api_key": {{ mock "same-ref" | json }}
	}`
	r := NewResolver(WithProvider("mock", mockProvider))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.AuthToken)
	require.Equal(t, "resolved-same-ref", creds.SynthAPIKey)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_FullCredentials(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "inbound-token")
	t.Setenv("KOKORO_KEY", "engine-secret")

	input := `{
		"auth_token": {{ env "RELAY_TOKEN" | json }},
		"synth_api_key": {{ env "KOKORO_KEY" | json }}
	}`

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	require.Equal(t, "inbound-token", creds.AuthToken)
	require.Equal(t, "engine-secret", creds.SynthAPIKey)
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	input := `{"auth_token": {{ .UndefinedKey }}}`
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	input := `not valid json`
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	input := `{}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Empty(t, creds.AuthToken)
	require.Empty(t, creds.SynthAPIKey)
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "creds.json.tmpl")
	err := os.WriteFile(tmpFile, []byte(`{"auth_token": {{ env "TEST_TOKEN" | json }}}`), 0o600)
	require.NoError(t, err)

	r := NewResolver()
	creds, err := r.ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.AuthToken)
}

func TestResolveFile_NotFound(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	// Create input larger than maxInputSize
	input := strings.Repeat("x", maxInputSize+1)
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveReader_PartialCredentials(t *testing.T) {
	input := `{"synth_api_key": "only-the-engine-key"}`

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Empty(t, creds.AuthToken)
	require.Equal(t, "only-the-engine-key", creds.SynthAPIKey)
}
