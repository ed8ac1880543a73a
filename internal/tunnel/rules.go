package tunnel

import "regexp"

// Rule maps an ssh output line to a tunnel state. Patterns are matched
// against the line without its trailing line break.
type Rule struct {
	State   State
	Pattern *regexp.Regexp
}

// DefaultRules recognizes the OpenSSH client's verbose output. Order
// matters: the first matching rule wins. Different OpenSSH releases print
// different banners after authentication, so both map to authenticated.
func DefaultRules() []Rule {
	return []Rule{
		{StateConnecting, regexp.MustCompile(`^debug1: Connecting to (?P<hostname>[^ ]+) \[(?P<ip>[0-9a-fA-F.:]{2,45})\] port (?P<port>\d{1,5})\.`)},
		{StateConnected, regexp.MustCompile(`^debug1: Connection established\.`)},
		{StateAuthenticated, regexp.MustCompile(`^debug1: Authentication succeeded \((?P<method>[^)]+)\)\.`)},
		{StateAuthenticated, regexp.MustCompile(`^Authenticated to (?P<hostname>[^ ]+) \(\[(?P<ip>[0-9a-fA-F.:]{2,45})\]:(?P<port>\d{1,5})\)`)},
		{StateRunning, regexp.MustCompile(`^debug1: Entering interactive session\.`)},
		{StateNotKnown, regexp.MustCompile(`^ssh: [^:]+: (Name or service not known|Temporary failure in name resolution|nodename nor servname provided)`)},
		{StatePortRefused, regexp.MustCompile(`^Warning: remote port forwarding failed for listen port (?P<port>\d{1,5})`)},
		{StatePortRefused, regexp.MustCompile(`^Error: remote port forwarding failed for listen port (?P<port>\d{1,5})`)},
		{StateRefused, regexp.MustCompile(`^ssh: connect to host [^ ]+ port \d+: Connection refused`)},
		{StateRefused, regexp.MustCompile(`^ssh: connect to host [^:]+: Connection refused`)},
		{StateDenied, regexp.MustCompile(`^(\S+: )?Permission denied \([^)]*\)\.`)},
		{StateConnectionClosed, regexp.MustCompile(`^Connection to (?P<hostname>[^ ]+) closed`)},
	}
}

func match(rules []Rule, line string) (Rule, bool) {
	for _, r := range rules {
		if r.Pattern.MatchString(line) {
			return r, true
		}
	}
	return Rule{}, false
}
