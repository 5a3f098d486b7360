package agent

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"patchpilot/internal/state"
)

// ErrMalformedOutput marks agent output that survived none of the parsing
// fallbacks. It is classified downstream; it never escapes as a panic or an
// unclassified failure.
var ErrMalformedOutput = errors.New("malformed agent output")

// The parsing chain, in order: direct parse, fenced-block extraction,
// balanced-object extraction, field-by-field extraction, conservative
// default. Model output must pass through this boundary before it can
// influence control flow.

// DecodeBuilderResult parses builder output. A builder payload that cannot
// be recovered returns ErrMalformedOutput: there is no safe default patch.
func DecodeBuilderResult(raw string) (BuilderResult, error) {
	var result BuilderResult
	for _, candidate := range jsonCandidates(raw) {
		if err := json.Unmarshal([]byte(candidate), &result); err == nil && len(result.Files) > 0 {
			return result, nil
		}
	}
	return BuilderResult{}, ErrMalformedOutput
}

// DecodeAuditorResult parses auditor output. Unrecoverable output falls
// back to the conservative default: a reject verdict carrying a single
// major issue describing the parse failure.
func DecodeAuditorResult(raw string) AuditorResult {
	var result AuditorResult
	for _, candidate := range jsonCandidates(raw) {
		if err := json.Unmarshal([]byte(candidate), &result); err == nil && result.Verdict != "" {
			result.Verdict = normalizeVerdict(string(result.Verdict))
			return result
		}
	}
	// Field-by-field extraction before giving up entirely.
	if v := extractField(raw, "verdict"); v != "" {
		result.Verdict = normalizeVerdict(v)
		result.Summary = extractField(raw, "summary")
		return result
	}
	return AuditorResult{
		Verdict: VerdictReject,
		Issues: []state.Issue{{
			Severity:    state.SeverityMajor,
			Category:    "auditor_output",
			Source:      "extractor",
			Description: "auditor response was not parseable; rejecting conservatively",
		}},
	}
}

// jsonCandidates yields progressively more aggressive reconstructions of a
// JSON object from raw model output.
func jsonCandidates(raw string) []string {
	raw = strings.TrimSpace(raw)
	candidates := []string{raw}

	if fenced := extractFencedBlock(raw); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if obj := extractBalancedObject(raw); obj != "" {
		candidates = append(candidates, obj)
	}
	return candidates
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractFencedBlock returns the contents of the first markdown code fence.
func extractFencedBlock(raw string) string {
	m := fenceRe.FindStringSubmatch(raw)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// extractBalancedObject returns the first balanced top-level JSON object in
// the text, respecting string literals and escapes.
func extractBalancedObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

var fieldRePattern = `"%s"\s*:\s*"((?:[^"\\]|\\.)*)"`

// extractField pulls one string field out of near-JSON text.
func extractField(raw, field string) string {
	re := regexp.MustCompile(strings.Replace(fieldRePattern, "%s", regexp.QuoteMeta(field), 1))
	m := re.FindStringSubmatch(raw)
	if len(m) < 2 {
		return ""
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &out); err != nil {
		return m[1]
	}
	return out
}

func normalizeVerdict(v string) Verdict {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "approve", "approved", "accept", "pass":
		return VerdictApprove
	default:
		return VerdictReject
	}
}
