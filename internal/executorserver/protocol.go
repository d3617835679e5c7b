package executorserver

import (
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion is this binary's wire protocol version, advertised on
// /health/live and checked against the Brokk-CTL-Version request header.
const ProtocolVersion = "1.0"

// SupportedCapabilities is returned alongside a 409 protocol-negotiation
// failure so a caller can decide whether to retry with a lower version.
var SupportedCapabilities = []string{
	"sessions", "jobs", "job-events", "job-cancel", "issue-fix",
}

type protocolMismatch struct {
	code    string
	message string
}

func (e *protocolMismatch) Error() string { return e.message }

// negotiateProtocol checks a client-supplied Brokk-CTL-Version header
// against ProtocolVersion. A blank header always negotiates successfully
// (unversioned clients are assumed compatible). Same-major/newer-minor asks
// for a feature this binary doesn't have; cross-major is a wire break.
func negotiateProtocol(header string) *protocolMismatch {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	clientMajor, clientMinor, err := parseVersion(header)
	if err != nil {
		return &protocolMismatch{code: "PROTOCOL_INCOMPATIBLE", message: fmt.Sprintf("malformed Brokk-CTL-Version %q", header)}
	}
	serverMajor, serverMinor, _ := parseVersion(ProtocolVersion)

	if clientMajor != serverMajor {
		return &protocolMismatch{
			code:    "PROTOCOL_INCOMPATIBLE",
			message: fmt.Sprintf("client requested protocol %s, server speaks %s", header, ProtocolVersion),
		}
	}
	if clientMinor > serverMinor {
		return &protocolMismatch{
			code:    "PROTOCOL_UNSUPPORTED_FEATURE",
			message: fmt.Sprintf("client requested protocol %s, server only supports up to %s", header, ProtocolVersion),
		}
	}
	return nil
}

func parseVersion(v string) (major, minor int, err error) {
	parts := strings.SplitN(v, ".", 2)
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major version in %q", v)
	}
	if len(parts) < 2 {
		return major, 0, nil
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor version in %q", v)
	}
	return major, minor, nil
}
