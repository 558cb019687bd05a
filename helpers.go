package numbers

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	topicSeparator = "/"
	wildcardMulti  = "#"
	wildcardSingle = "+"
)

// PublishTopic returns the topic the peer publishes its numbers to.
func PublishTopic(root, peerID string) string {
	return root + topicSeparator + peerID
}

// SubscribePattern returns the pattern matching topics of all the peers under the root.
func SubscribePattern(root string) string {
	return root + topicSeparator + wildcardMulti
}

func makePayload(n uint64) []byte {
	return strconv.AppendUint(nil, n, 10)
}

func readPayload(p []byte) (uint64, error) {
	n, err := strconv.ParseUint(string(p), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedPayload, "payload %q: %s", p, err)
	}
	return n, nil
}

// topicMatches checks if topic is matched by the subscription pattern.
// "#" matches the rest of the topic including its parent level, "+" matches exactly one level.
func topicMatches(pattern, topic string) bool {
	pLevels := strings.Split(pattern, topicSeparator)
	tLevels := strings.Split(topic, topicSeparator)

	for i, p := range pLevels {
		if p == wildcardMulti {
			return i == len(pLevels)-1
		}
		if i >= len(tLevels) {
			return false
		}
		if p != wildcardSingle && p != tLevels[i] {
			return false
		}
	}

	return len(pLevels) == len(tLevels)
}

func validPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	levels := strings.Split(pattern, topicSeparator)
	for i, l := range levels {
		if l == wildcardMulti && i != len(levels)-1 {
			return false
		}
		if l != wildcardMulti && l != wildcardSingle &&
			(strings.Contains(l, wildcardMulti) || strings.Contains(l, wildcardSingle)) {
			return false
		}
	}
	return true
}

func validTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, wildcardMulti+wildcardSingle)
}
