package mqttv5

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Topic errors.
var (
	ErrEmptyTopic         = errors.New("topic cannot be empty")
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

const sharePrefix = "$share/"

// ValidateTopicName checks a topic name used in PUBLISH: valid UTF-8, no
// null character and no wildcard.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if len(topic) > maxUint16 || !utf8.ValidString(topic) || strings.ContainsAny(topic, "+#\x00") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateTopicFilter checks a subscription filter. '+' must fill a whole
// level and '#' must fill the last level. Shared subscriptions of the form
// $share/{group}/{filter} are accepted.
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if len(filter) > maxUint16 || !utf8.ValidString(filter) || strings.IndexByte(filter, 0) >= 0 {
		return ErrInvalidTopicFilter
	}

	if rest, ok := strings.CutPrefix(filter, sharePrefix); ok {
		group, inner, found := strings.Cut(rest, "/")
		if !found || group == "" || inner == "" || strings.ContainsAny(group, "+#") {
			return ErrInvalidTopicFilter
		}
		filter = inner
	}

	for level, remaining, more := "", filter, true; more; {
		level, remaining, more = strings.Cut(remaining, "/")
		switch {
		case level == "#":
			if more {
				return ErrInvalidTopicFilter
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

// TopicMatch reports whether topic matches filter. Topics starting with '$'
// are not matched by a leading wildcard.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	for {
		flevel, frest, fmore := strings.Cut(filter, "/")
		if flevel == "#" {
			return true
		}
		tlevel, trest, tmore := strings.Cut(topic, "/")
		if flevel != "+" && flevel != tlevel {
			return false
		}
		switch {
		case !fmore && !tmore:
			return true
		case !fmore:
			return false
		case !tmore:
			// "a/#" matches "a": the parent level is included.
			return frest == "#"
		}
		filter, topic = frest, trest
	}
}
