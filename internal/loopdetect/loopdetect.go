// Package loopdetect scans recent tool-result messages for signs the assistant is stuck
// retrying a failing operation, and produces a corrective hint to inject into the next
// upstream request.
package loopdetect

import (
	"strings"

	"github.com/relaymux/llmrelay/internal/unified"
)

// Window is the number of trailing messages scanned.
const Window = 20

// EditSameContentThreshold is the number of edit-same-content failures that triggers the hint.
const EditSameContentThreshold = 2

// GenericErrorThreshold is the number of generic tool errors that triggers the hint.
const GenericErrorThreshold = 3

const editSameContentHint = "IMPORTANT: Your last Edit/Update attempts failed because old_string and new_string were identical. " +
	"Read the file again to see its current content, then choose a new_string that is actually different from old_string. " +
	"If you cannot find a distinguishing change, use the Write tool to replace the whole file instead of retrying Edit."

const genericErrorHint = "IMPORTANT: You appear to be encountering repeated tool errors. " +
	"Stop retrying the same failing operation. Re-read the error message, try a different non-destructive " +
	"approach, and if nothing works, tell the user exactly what you attempted and that you cannot proceed."

var editSameContentMarkers = []string{
	"old_string and new_string are exactly the same",
	"No changes to make",
}

var genericErrorMarkers = []string{
	"Error:", "Error ", "error:", "ENOENT", "EACCES", "EPERM", "failed", "FAILED",
	"not found", "Permission denied", "Operation not permitted",
}

// Overrides of the package defaults, set once at startup from config before requests flow.
// Zero means "use the package default".
var (
	windowOverride          int
	editSameContentOverride int
	genericErrorOverride    int
)

// Configure overrides the detection window and thresholds from config. A zero value for any
// argument keeps the corresponding package default. Call before serving requests; Detect reads
// these without synchronization.
func Configure(window, editSameContent, genericError int) {
	windowOverride = window
	editSameContentOverride = editSameContent
	genericErrorOverride = genericError
}

func orDefault(override, def int) int {
	if override > 0 {
		return override
	}
	return def
}

// Detect scans the last Window messages and returns a non-empty hint string if a loop is
// detected, or "" if not. Edit-same-content is evaluated before the generic-error check.
func Detect(messages []unified.Message) string {
	return DetectWithThresholds(messages,
		orDefault(windowOverride, Window),
		orDefault(editSameContentOverride, EditSameContentThreshold),
		orDefault(genericErrorOverride, GenericErrorThreshold))
}

// DetectWithThresholds is Detect with the window and thresholds overridable, for callers that
// honor a configured override of the package defaults. Passing the package constants reproduces
// Detect's behavior exactly.
func DetectWithThresholds(messages []unified.Message, window, editSameContentThreshold, genericErrorThreshold int) string {
	start := 0
	if len(messages) > window {
		start = len(messages) - window
	}
	recent := messages[start:]

	editSameContent := 0
	genericErrors := 0

	for _, m := range recent {
		if m.Role != unified.RoleTool {
			continue
		}
		text := toolText(m)
		if text == "" {
			continue
		}

		if containsAny(text, editSameContentMarkers) {
			editSameContent++
		}
		if containsAny(text, genericErrorMarkers) {
			genericErrors++
		}
	}

	if editSameContent >= editSameContentThreshold {
		return editSameContentHint
	}
	if genericErrors >= genericErrorThreshold {
		return genericErrorHint
	}
	return ""
}

// toolText extracts a tool message's text payload: string content verbatim, or array
// content joined with spaces over the .text fields of its parts.
func toolText(m unified.Message) string {
	if s, ok := m.StringContent(); ok {
		return s
	}
	if parts, ok := m.PartsContent(); ok {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type == unified.ContentPartText && p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, " ")
	}
	return ""
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
