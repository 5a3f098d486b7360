package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchpilot/internal/state"
)

const validBuilderJSON = `{"summary":"add greeting","files":[{"path":"hello.txt","mode":"full_file","content":"hi\n"}]}`

func TestDecodeBuilderResultDirect(t *testing.T) {
	result, err := DecodeBuilderResult(validBuilderJSON)
	require.NoError(t, err)
	assert.Equal(t, "add greeting", result.Summary)
	require.Len(t, result.Files, 1)
	assert.Equal(t, "hello.txt", result.Files[0].Path)
}

func TestDecodeBuilderResultFencedBlock(t *testing.T) {
	raw := "Here is the change you asked for:\n\n```json\n" + validBuilderJSON + "\n```\n\nLet me know if anything else is needed."
	result, err := DecodeBuilderResult(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", result.Files[0].Path)
}

func TestDecodeBuilderResultEmbeddedObject(t *testing.T) {
	raw := "Sure! " + validBuilderJSON + " Hope that helps."
	result, err := DecodeBuilderResult(raw)
	require.NoError(t, err)
	assert.Len(t, result.Files, 1)
}

func TestDecodeBuilderResultMalformed(t *testing.T) {
	_, err := DecodeBuilderResult("I am unable to comply with the output format.")
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestDecodeBuilderResultEmptyFilesIsMalformed(t *testing.T) {
	_, err := DecodeBuilderResult(`{"summary":"nothing","files":[]}`)
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestDecodeAuditorResultDirect(t *testing.T) {
	result := DecodeAuditorResult(`{"verdict":"approve","summary":"fine"}`)
	assert.Equal(t, VerdictApprove, result.Verdict)
}

func TestDecodeAuditorResultNormalizesVerdict(t *testing.T) {
	result := DecodeAuditorResult(`{"verdict":"Approved","summary":"ok"}`)
	assert.Equal(t, VerdictApprove, result.Verdict)

	result = DecodeAuditorResult(`{"verdict":"REJECTED"}`)
	assert.Equal(t, VerdictReject, result.Verdict)
}

func TestDecodeAuditorResultFieldExtraction(t *testing.T) {
	// Broken JSON (trailing comma) that still carries the fields.
	raw := `{"verdict": "approve", "summary": "solid change",}`
	result := DecodeAuditorResult(raw)
	assert.Equal(t, VerdictApprove, result.Verdict)
	assert.Equal(t, "solid change", result.Summary)
}

func TestDecodeAuditorResultConservativeDefault(t *testing.T) {
	result := DecodeAuditorResult("complete nonsense with no structure at all")
	assert.Equal(t, VerdictReject, result.Verdict)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, state.SeverityMajor, result.Issues[0].Severity)
	assert.Equal(t, "auditor_output", result.Issues[0].Category)
}

func TestExtractBalancedObjectRespectsStrings(t *testing.T) {
	raw := `prefix {"a": "brace } in string", "b": {"nested": 1}} suffix`
	obj := extractBalancedObject(raw)
	assert.Equal(t, `{"a": "brace } in string", "b": {"nested": 1}}`, obj)
}
