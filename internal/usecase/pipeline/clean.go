package pipeline

import "regexp"

// Terminal escape sequences stripped from command output before storage.
// CSI covers cursor movement and SGR color codes; OSC covers title-setting
// sequences terminated by BEL or ST.
var (
	csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)?`)

	// Stray C0 control bytes and DEL, keeping \n and \t.
	ctrlPattern = regexp.MustCompile(`[\x00-\x08\x0b-\x1f\x7f]`)
)

// stripControl removes ANSI escape sequences and control bytes from text,
// preserving newlines and tabs.
func stripControl(text string) string {
	if !needsCleaning(text) {
		return text
	}
	text = csiPattern.ReplaceAllString(text, "")
	text = oscPattern.ReplaceAllString(text, "")
	return ctrlPattern.ReplaceAllString(text, "")
}

// needsCleaning reports whether text contains any byte the strip patterns
// would remove. Clean text, the common case, skips three regex passes.
func needsCleaning(text string) bool {
	for i := 0; i < len(text); i++ {
		c := text[i]
		if (c < 0x20 && c != '\n' && c != '\t') || c == 0x7f {
			return true
		}
	}
	return false
}
