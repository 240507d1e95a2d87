package api

import shellquote "github.com/kballard/go-shellquote"

// ShellQuoteArgs joins command arguments into a single shell-safe string
// using POSIX shell quoting rules.
func ShellQuoteArgs(args []string) string {
	return shellquote.Join(args...)
}

// NormalizeCommand canonicalizes a shell command's whitespace and quoting by
// splitting and rejoining it, so "git  status" and "git status" share one
// fingerprint. Commands that do not tokenize (unbalanced quotes, trailing
// backslash) are returned unchanged.
func NormalizeCommand(command string) string {
	words, err := shellquote.Split(command)
	if err != nil || len(words) == 0 {
		return command
	}
	return shellquote.Join(words...)
}
