// Package topic implements the everest/ MQTT topic grammar: building
// variable, command and result topics, and parsing arbitrary topic
// strings back into their structured form.
package topic

import "strings"

const (
	everestLiteral = "everest"
	varLiteral     = "var"
	cmdLiteral     = "cmd"
	resultLiteral  = "result"
)

// Type classifies a parsed topic.
type Type int

const (
	Invalid Type = iota
	Other
	Var
	Cmd
	Result
)

func (t Type) String() string {
	switch t {
	case Other:
		return "other"
	case Var:
		return "var"
	case Cmd:
		return "cmd"
	case Result:
		return "result"
	default:
		return "invalid"
	}
}

// Info is the structured decomposition of a topic string.
type Info struct {
	Type   Type
	PeerID string
	ImplID string
	Name   string
}

func join(peerID, implID, kind, name string) string {
	if implID == "" {
		return everestLiteral + "/" + peerID + "/" + kind + "/" + name
	}
	return everestLiteral + "/" + peerID + "/" + implID + "/" + kind + "/" + name
}

// BuildVar constructs a variable topic. implID may be empty for a
// module-level (non-implementation) variable.
func BuildVar(peerID, implID, name string) string {
	return join(peerID, implID, varLiteral, name)
}

// BuildCmd constructs a command topic. implID may be empty for a
// module-level command.
func BuildCmd(peerID, implID, name string) string {
	return join(peerID, implID, cmdLiteral, name)
}

// BuildResult constructs the per-peer result topic.
func BuildResult(peerID string) string {
	return everestLiteral + "/" + peerID + "/" + resultLiteral
}

func parseKind(segment string) (Type, string) {
	if segment == varLiteral {
		return Var, ""
	}
	if segment == cmdLiteral {
		return Cmd, ""
	}
	return Invalid, ""
}

// Parse decomposes a raw topic string. It never returns an error:
// malformed or foreign topics come back as Info{Type: Invalid} or
// Info{Type: Other}.
func Parse(raw string) Info {
	invalid := Info{Type: Invalid}

	if !strings.HasPrefix(raw, everestLiteral) {
		return Info{Type: Other}
	}

	rest := raw[len(everestLiteral):]
	if !strings.HasPrefix(rest, "/") {
		if rest == "" {
			return invalid
		}
		return Info{Type: Other}
	}

	segments := strings.Split(rest[1:], "/")
	// segments now holds everything after "everest/"

	if len(segments) < 2 {
		return invalid
	}

	peerID := segments[0]
	if peerID == "" {
		return invalid
	}

	switch len(segments) {
	case 2:
		// everest/<peer>/result
		if segments[1] == resultLiteral {
			return Info{Type: Result, PeerID: peerID}
		}
		return invalid
	case 3:
		// everest/<peer>/<var|cmd>/<name>
		if segments[1] == "" || segments[2] == "" {
			return invalid
		}
		kind, _ := parseKind(segments[1])
		if kind == Invalid {
			return invalid
		}
		return Info{Type: kind, PeerID: peerID, Name: segments[2]}
	case 4:
		// everest/<peer>/<impl>/<var|cmd>/<name>
		implID, kindSeg, name := segments[1], segments[2], segments[3]
		if implID == "" || kindSeg == "" || name == "" {
			return invalid
		}
		kind, _ := parseKind(kindSeg)
		if kind == Invalid {
			return invalid
		}
		return Info{Type: kind, PeerID: peerID, ImplID: implID, Name: name}
	default:
		return invalid
	}
}
