package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/c-bata/go-prompt"
)

// completer suggests command names, local files for up and remote names
// seen in the last listing for cd and down.
type completer struct {
	shell *Shell
}

func (c *completer) complete(d prompt.Document) []prompt.Suggest {
	text := d.TextBeforeCursor()
	words := strings.Fields(text)

	if len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(text, " ")) {
		return prompt.FilterHasPrefix(commandSuggestions(), d.GetWordBeforeCursor(), true)
	}

	cmd, ok := Lookup(words[0])
	if !ok {
		return nil
	}

	// Index of the argument under the cursor.
	arg := len(words) - 1
	if strings.HasSuffix(text, " ") {
		arg = len(words)
	}
	word := d.GetWordBeforeCursor()

	switch {
	case cmd.Name == "up" && arg == 1:
		return prompt.FilterHasPrefix(localSuggestions(word), word, false)
	case cmd.Name == "cd" && arg == 1:
		return prompt.FilterHasPrefix(c.remoteSuggestions(true), word, false)
	case cmd.Name == "down" && arg == 1:
		return prompt.FilterHasPrefix(c.remoteSuggestions(false), word, false)
	case cmd.Name == "down" && arg == 2:
		return prompt.FilterHasPrefix(localSuggestions(word), word, false)
	}
	return nil
}

func commandSuggestions() []prompt.Suggest {
	out := make([]prompt.Suggest, 0, len(commands))
	for _, c := range commands {
		out = append(out, prompt.Suggest{Text: c.Name, Description: c.Description})
	}
	return out
}

func (c *completer) remoteSuggestions(dirsOnly bool) []prompt.Suggest {
	var out []prompt.Suggest
	for _, name := range c.shell.remoteNames {
		isDir := strings.HasSuffix(name, "/")
		if dirsOnly && !isDir {
			continue
		}
		if !dirsOnly && isDir {
			continue
		}
		desc := "Remote file"
		if isDir {
			desc = "Remote directory"
		}
		out = append(out, prompt.Suggest{Text: name, Description: desc})
	}
	return out
}

// localSuggestions lists entries of the directory part of word.
func localSuggestions(word string) []prompt.Suggest {
	prefix := word[:strings.LastIndexByte(word, filepath.Separator)+1]
	dir := prefix
	if dir == "" {
		dir = "."
	}
	base := word[len(prefix):]

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var out []prompt.Suggest
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") && !strings.HasPrefix(base, ".") {
			continue
		}
		text := prefix + e.Name()
		desc := "Local file"
		if e.IsDir() {
			text += string(filepath.Separator)
			desc = "Local directory"
		}
		out = append(out, prompt.Suggest{Text: text, Description: desc})
	}
	return out
}
