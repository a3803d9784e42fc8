package wire

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Command name tokens (spec §4.4, §6).
const (
	CmdLogin      = "login"
	CmdList       = "list"
	CmdBlock      = "block"
	CmdUnblock    = "unblock"
	CmdAccept     = "accept"
	CmdUnaccept   = "unaccept"
	CmdDisconnect = "disconnect"
)

// list sub-arguments.
const (
	ListPorts   = "ports"
	ListAccepts = "accepts"
)

// AcceptEntry is one (address, port) accept exception, as returned by
// "list accepts".
type AcceptEntry struct {
	Address string
	Port    int
}

// FormatLogin renders the login response. version is included only on
// success and may be empty.
func FormatLogin(ok bool, version string) string {
	if !ok {
		return "login: false"
	}
	if version == "" {
		return "login: true"
	}
	return fmt.Sprintf("login: true %s", version)
}

// FormatBlockedPorts renders the "list ports" response.
func FormatBlockedPorts(ports []int) string {
	strs := make([]string, len(ports))
	for i, p := range ports {
		strs[i] = strconv.Itoa(p)
	}
	return "blocked: " + strings.Join(strs, ", ")
}

// FormatAccepts renders the "list accepts" response. The "accepts: "
// label is always present, even for an empty list, so the line always
// contains the space the wire framing requires.
func FormatAccepts(entries []AcceptEntry) string {
	strs := make([]string, len(entries))
	for i, e := range entries {
		strs[i] = fmt.Sprintf("%s:%d", e.Address, e.Port)
	}
	return "accepts: " + strings.Join(strs, "; ")
}

// FormatBoolResult renders the "block"/"unblock" boolean response for the given
// label ("block" or "unblock").
func FormatBoolResult(label string, ok bool) string {
	return fmt.Sprintf("%s: %t", label, ok)
}

// FormatAccepted renders the "accept" response.
func FormatAccepted(ok bool, addr string, port int) string {
	return fmt.Sprintf("accepted: %t (%s -> %d)", ok, addr, port)
}

// FormatUnaccepted renders the "unaccept" response. port is nil when the
// request removed the address across all ports.
func FormatUnaccepted(ok bool, addr string, port *int) string {
	if port == nil {
		return fmt.Sprintf("unaccepted: %t (%s -> null)", ok, addr)
	}
	return fmt.Sprintf("unaccepted: %t (%s -> %d)", ok, addr, *port)
}

// FormatDisconnect renders the disconnect acknowledgement.
func FormatDisconnect() string {
	return "disconnect: true"
}

var decimalRun = regexp.MustCompile(`[0-9]+`)

// ParseBlockedPorts extracts every decimal run from a "blocked: ..."
// response body (the client does not rely on comma placement, matching
// spec §4.7's "extracting decimal runs").
func ParseBlockedPorts(body string) []int {
	matches := decimalRun.FindAllString(body, -1)
	ports := make([]int, 0, len(matches))
	for _, m := range matches {
		if n, err := strconv.Atoi(m); err == nil {
			ports = append(ports, n)
		}
	}
	return ports
}

// ParseAccepts parses a ";"-separated "addr:port; addr:port; ..." response
// body into AcceptEntry values. A leading "accepts:" label, if present, is
// stripped first. Malformed pairs are skipped.
func ParseAccepts(body string) []AcceptEntry {
	body = strings.TrimSpace(body)
	body = strings.TrimPrefix(body, "accepts:")
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	var out []AcceptEntry
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.LastIndex(part, ":")
		if idx <= 0 || idx == len(part)-1 {
			continue
		}
		port, err := strconv.Atoi(part[idx+1:])
		if err != nil {
			continue
		}
		out = append(out, AcceptEntry{Address: part[:idx], Port: port})
	}
	return out
}
