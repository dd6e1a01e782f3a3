package policy

import (
	"strings"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

// forbiddenFragments are substrings that disqualify an evaluation script.
// The filter accepts only expression-style reads such as document.title or
// window.location.href. Coarse by intent: `=` alone rejects assignments,
// arrow functions, and comparisons alike.
var forbiddenFragments = []string{
	"function",
	"=>",
	"let ",
	"const ",
	"var ",
	"=",
	"if",
	"for",
	"while",
}

// CheckScript rejects any script whose trimmed form contains a forbidden
// fragment, a `{`+`}` pair, or a `[`+`]` pair.
func CheckScript(script string) error {
	s := strings.TrimSpace(script)
	if s == "" {
		return apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "script is empty")
	}
	for _, frag := range forbiddenFragments {
		if strings.Contains(s, frag) {
			return apperr.Newf(apperr.KindPolicyViolation, apperr.CodeScriptUnsafe,
				"script contains forbidden fragment %q", frag)
		}
	}
	if strings.Contains(s, "{") && strings.Contains(s, "}") {
		return apperr.New(apperr.KindPolicyViolation, apperr.CodeScriptUnsafe,
			"script contains a block")
	}
	if strings.Contains(s, "[") && strings.Contains(s, "]") {
		return apperr.New(apperr.KindPolicyViolation, apperr.CodeScriptUnsafe,
			"script contains an index expression")
	}
	return nil
}
