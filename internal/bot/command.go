package bot

import (
	"fmt"
	"sort"
	"strings"
)

// Adjective holds the trailing command modifiers: positional arguments
// and key=value options.
type Adjective struct {
	Arguments []string
	Option    map[string]string
}

// Command is the normalized CLI-like shape parsed from message text or
// an interactive-component payload, e.g.
// "@bot:zos:job:list:status:id=123".
type Command struct {
	Scope     string
	Resource  string
	Verb      string
	Object    string
	Adjective Adjective
	ExtraData map[string]any
}

// ParseCommand splits a colon-delimited command string into its fixed
// segments. Segment order is bot:scope:resource:verb:object followed by
// adjective tokens; missing trailing segments default to the empty
// string. Adjective tokens containing '=' are options, pipe-joined for
// repeats; bare tokens are positional arguments.
func ParseCommand(text string) *Command {
	segments := strings.Split(strings.TrimSpace(text), ":")

	command := &Command{
		Adjective: Adjective{
			Arguments: []string{},
			Option:    map[string]string{},
		},
		ExtraData: map[string]any{},
	}

	command.ExtraData["botUserName"] = strings.TrimPrefix(segments[0], "@")
	if len(segments) > 1 {
		command.Scope = segments[1]
	}
	if len(segments) > 2 {
		command.Resource = segments[2]
	}
	if len(segments) > 3 {
		command.Verb = segments[3]
	}
	if len(segments) > 4 {
		command.Object = segments[4]
	}

	for _, segment := range segments[min(len(segments), 5):] {
		if strings.Contains(segment, "=") {
			for _, pair := range strings.Split(segment, "|") {
				key, value, found := strings.Cut(pair, "=")
				if !found {
					command.Adjective.Arguments = append(command.Adjective.Arguments, pair)
					continue
				}
				command.Adjective.Option[key] = value
			}
		} else if segment != "" {
			command.Adjective.Arguments = append(command.Adjective.Arguments, segment)
		}
	}

	return command
}

// String serializes the command back to its wire form. Options are
// emitted as a single pipe-joined token with sorted keys so output is
// deterministic; ParseCommand(c.String()) reproduces c.
func (c *Command) String() string {
	botUserName, _ := c.ExtraData["botUserName"].(string)

	segments := []string{"@" + botUserName, c.Scope, c.Resource, c.Verb, c.Object}
	segments = append(segments, c.Adjective.Arguments...)

	if len(c.Adjective.Option) > 0 {
		keys := make([]string, 0, len(c.Adjective.Option))
		for key := range c.Adjective.Option {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%s", key, c.Adjective.Option[key]))
		}
		segments = append(segments, strings.Join(pairs, "|"))
	}

	return strings.Join(segments, ":")
}
