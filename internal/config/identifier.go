package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseChatIdentifier normalizes the ways users name a chat: a bare name
// ("somechannel"), an @-handle ("@somechannel"), or a t.me URL
// ("https://t.me/somechannel/123"). A trailing numeric path segment in a URL
// is taken as the topic id.
func ParseChatIdentifier(raw string) (identifier string, topicID *int64, err error) {
	identifier = strings.TrimSpace(raw)
	if identifier == "" {
		return "", nil, fmt.Errorf("empty chat identifier")
	}

	identifier = strings.TrimPrefix(identifier, "@")

	if strings.HasPrefix(identifier, "http://") || strings.HasPrefix(identifier, "https://") {
		u, perr := url.Parse(identifier)
		if perr != nil {
			return "", nil, fmt.Errorf("invalid chat URL %q: %w", raw, perr)
		}
		parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
		if len(parts) == 0 {
			return "", nil, fmt.Errorf("chat URL %q has no path", raw)
		}
		identifier = parts[0]
		if len(parts) >= 2 {
			if id, perr := strconv.ParseInt(parts[1], 10, 64); perr == nil {
				topicID = &id
			}
		}
	}
	return identifier, topicID, nil
}
