package dnsutils

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// GetMsgKey generates a compact key identifying the question of m, its
// class and its recursion-desired bit. The name is lower-cased so queries
// that differ only in case share a key.
// It returns "" if m does not carry exactly one question.
func GetMsgKey(m *dns.Msg) string {
	if len(m.Question) != 1 {
		return ""
	}
	q := m.Question[0]

	buf := make([]byte, 0, len(q.Name)+5)
	buf = append(buf, strings.ToLower(q.Name)...)
	buf = append(buf, byte(q.Qtype>>8), byte(q.Qtype))
	buf = append(buf, byte(q.Qclass>>8), byte(q.Qclass))
	if m.RecursionDesired {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return string(buf)
}

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}

// QuestionString returns a short "name class type" summary of m's first
// question, for logging.
func QuestionString(m *dns.Msg) string {
	if len(m.Question) == 0 {
		return "<no question>"
	}
	q := m.Question[0]
	return q.Name + " " + QclassToString(q.Qclass) + " " + QtypeToString(q.Qtype)
}
