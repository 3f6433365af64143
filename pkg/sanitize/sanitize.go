// Package sanitize screens user prompts before they reach a provider binary.
// Three policies apply in order: blocking (instruction-override injection),
// redaction (dangerous command fragments), and a length cap. Suspicion
// heuristics only add warnings.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/coderelay/relay/pkg/constants"
	"github.com/coderelay/relay/pkg/errkind"
	"github.com/coderelay/relay/pkg/logger"
)

var sanitizeLog = logger.New("backend:sanitize")

// blockPatterns reject the prompt outright. Matching is case-insensitive.
var blockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(prior|previous|above)\s+(instructions|rules|context)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all)\s+(above|before)`),
	regexp.MustCompile(`(?i)\[\s*system\s*\]|<\s*/?\s*system\s*>`),
	regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:\s`),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:\s*you\s+(are|must|will)`),
}

// redactPatterns replace dangerous command fragments with a [REDACTED_*] tag.
type redactPattern struct {
	kind string
	re   *regexp.Regexp
}

var redactPatterns = []redactPattern{
	{"RM", regexp.MustCompile(`(?i)rm\s+-[a-z]*[rf][a-z]*\s+[^\s;|&]+`)},
	{"SUDO", regexp.MustCompile(`(?i)sudo\s+[^\s;|&]+`)},
	{"CHMOD", regexp.MustCompile(`(?i)chmod\s+777\s+[^\s;|&]+`)},
	{"EVAL", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"EXEC", regexp.MustCompile(`(?i)\bexec\s*\(`)},
	{"SYSTEM", regexp.MustCompile(`(?i)\bsystem\s*\(`)},
	{"FORK", regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}`)},
	{"DD", regexp.MustCompile(`(?i)dd\s+if=/dev/(zero|random|urandom)\s+of=[^\s;|&]+`)},
	{"MKFS", regexp.MustCompile(`(?i)mkfs(\.[a-z0-9]+)?\s+/dev/[^\s;|&]+`)},
}

// suspicionPatterns warn without blocking.
var suspicionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)you\s+are\s+now\s+`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+`),
	regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\s+`),
	regexp.MustCompile(`(?i)jailbreak`),
}

// Options relaxes individual policies for trusted callers. Warnings are
// produced regardless.
type Options struct {
	DisableBlocking  bool
	DisableRedaction bool
}

// Result carries the sanitized prompt and any warnings produced.
type Result struct {
	Prompt   string
	Warnings []string
	Redacted bool
}

// Sanitize applies the full policy chain. Blocked prompts return an error of
// kind sanitization; the caller must not spawn.
func Sanitize(prompt string, opts Options) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return Result{}, errkind.New(errkind.Validation, "prompt is empty")
	}
	var res Result
	res.Prompt = prompt

	if !opts.DisableBlocking {
		for _, re := range blockPatterns {
			if re.MatchString(res.Prompt) {
				sanitizeLog.Warnf("Blocked prompt: matched injection pattern %s", re.String())
				return Result{}, errkind.New(errkind.Sanitization,
					"prompt blocked: matches a known instruction-override pattern")
			}
		}
	} else {
		for _, re := range blockPatterns {
			if re.MatchString(res.Prompt) {
				res.Warnings = append(res.Warnings, "prompt matches an instruction-override pattern (blocking disabled)")
				break
			}
		}
	}

	for _, rp := range redactPatterns {
		if !rp.re.MatchString(res.Prompt) {
			continue
		}
		if opts.DisableRedaction {
			res.Warnings = append(res.Warnings, "prompt contains a dangerous command pattern ("+rp.kind+"; redaction disabled)")
			continue
		}
		res.Prompt = rp.re.ReplaceAllString(res.Prompt, "[REDACTED_"+rp.kind+"]")
		res.Redacted = true
		res.Warnings = append(res.Warnings, "redacted dangerous command pattern: "+rp.kind)
		sanitizeLog.Warnf("Redacted %s pattern from prompt", rp.kind)
	}

	for _, re := range suspicionPatterns {
		if re.MatchString(res.Prompt) {
			res.Warnings = append(res.Warnings, "prompt contains a suspicious role-play phrase")
			break
		}
	}

	// The cap counts characters, not bytes; byte length bounds rune count so
	// the cheap check guards the conversion.
	if len(res.Prompt) > constants.MaxPromptLength {
		if runes := []rune(res.Prompt); len(runes) > constants.MaxPromptLength {
			res.Prompt = string(runes[:constants.MaxPromptLength])
			res.Warnings = append(res.Warnings, "prompt truncated to length cap")
			sanitizeLog.Warnf("Prompt truncated from %d to %d characters", len(runes), constants.MaxPromptLength)
		}
	}

	return res, nil
}
