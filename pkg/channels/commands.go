package channels

import (
	"strings"
)

// HelpText is the usage reply for chat users.
const HelpText = `Commands:
/image [provider=ID] [key=value ...] <prompt>   generate an image
/tts [provider=ID] [key=value ...] <text>       synthesize speech
/stt [provider=ID] <audio path or URL>          transcribe audio
/help                                           show this message`

var commandOps = map[string]string{
	"image": "image",
	"img":   "image",
	"draw":  "image",
	"tts":   "tts",
	"say":   "tts",
	"stt":   "stt",
}

// Command is a parsed chat command.
type Command struct {
	Operation string
	Provider  string
	Input     string
	Options   map[string]string
	Help      bool
}

// ParseCommand reads "/op [provider=ID] [key=value ...] input". Leading key=value tokens become
// options; the rest of the message is the input. ok is false for anything that is not a known
// command with a non-empty input.
func ParseCommand(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}

	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Telegram appends the bot name in groups: /image@mybot.
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "help" || name == "start" {
		return Command{Help: true}, true
	}
	op, known := commandOps[name]
	if !known {
		return Command{}, false
	}

	cmd := Command{Operation: op, Options: map[string]string{}}
	rest := fields[1:]
	for len(rest) > 0 {
		k, v, isOpt := strings.Cut(rest[0], "=")
		if !isOpt || k == "" || strings.ContainsAny(k, "/:") {
			break
		}
		if strings.EqualFold(k, "provider") {
			cmd.Provider = v
		} else {
			cmd.Options[k] = v
		}
		rest = rest[1:]
	}
	cmd.Input = strings.Join(rest, " ")
	if cmd.Input == "" {
		return Command{}, false
	}
	return cmd, true
}
