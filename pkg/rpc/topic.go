package rpc

import (
	"strings"
	"unicode"
)

// MaxTopicLength bounds derived topics. PostgreSQL channel names (63 bytes) are
// the tightest limit among the supported transports.
const MaxTopicLength = 63

// Topic is the request/response topic pair of one (target, action).
type Topic struct {
	Request  string
	Response string
}

// Deriver maps (targetUID, actionID) onto topics, optionally below a prefix.
type Deriver struct {
	Prefix string
}

// DeriveTopics derives topics without a prefix:
//
//	<targetUID>/action<actionID>/request
//	<targetUID>/action<actionID>/response
func DeriveTopics(targetUID, actionID string) (Topic, error) {
	return Deriver{}.Derive(targetUID, actionID)
}

// Derive is pure and deterministic.
func (d Deriver) Derive(targetUID, actionID string) (Topic, error) {
	if targetUID == "" {
		return Topic{}, invalidArgument("empty target uid")
	}
	if actionID == "" {
		return Topic{}, invalidArgument("empty action id")
	}
	if err := checkSegment("target uid", targetUID); err != nil {
		return Topic{}, err
	}
	if err := checkSegment("action id", actionID); err != nil {
		return Topic{}, err
	}

	base := targetUID + "/action" + actionID
	if prefix := strings.Trim(d.Prefix, "/"); prefix != "" {
		for _, seg := range strings.Split(prefix, "/") {
			if err := checkSegment("topic prefix", seg); err != nil {
				return Topic{}, err
			}
		}
		base = prefix + "/" + base
	}
	if strings.HasPrefix(base, "$") {
		return Topic{}, invalidArgument("topic %q uses a broker-reserved prefix", base)
	}

	t := Topic{Request: base + "/request", Response: base + "/response"}
	if len(t.Response) > MaxTopicLength {
		return Topic{}, invalidArgument("topic %q exceeds %d bytes", t.Response, MaxTopicLength)
	}
	return t, nil
}

// checkSegment rejects wildcards of MQTT (#, +) and NATS (*, >), whitespace
// and control characters. Both "/" and "." are rejected: NATS and Kafka map "/"
// onto ".", so a dot inside a segment would alias another topic.
func checkSegment(what, s string) error {
	if s == "" {
		return invalidArgument("empty %s segment", what)
	}
	for _, r := range s {
		switch {
		case r == '#', r == '+', r == '*', r == '>', r == '/', r == '.':
			return invalidArgument("%s %q contains %q", what, s, r)
		case unicode.IsSpace(r), unicode.IsControl(r):
			return invalidArgument("%s %q contains whitespace or control characters", what, s)
		}
	}
	return nil
}
