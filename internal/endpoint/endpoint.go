// Package endpoint parses the client-facing address grammar used to target
// either a local path or a remote daemon: host[:port]:/module/path,
// host[:port]://path, and bare host[:port] discovery forms.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when an endpoint string omits an explicit port.
const DefaultPort = 9031

var (
	errEmpty            = errors.New("endpoint: empty string")
	errEmptyModule      = errors.New("endpoint: empty module name")
	errUnterminatedIPv6 = errors.New("endpoint: unterminated ipv6 literal")
	errBadPort          = errors.New("endpoint: non-numeric port")
)

// Kind distinguishes the three recognized remote forms from a local path.
type Kind int

const (
	// Local indicates an unambiguously local filesystem path.
	Local Kind = iota
	// Module indicates a host[:port]:/module/subpath address.
	Module
	// Root indicates a host[:port]://exported/subpath address.
	Root
	// Discovery indicates a bare host[:port] with no path component.
	Discovery
)

// Endpoint is the parsed form of a client-supplied address.
type Endpoint struct {
	Kind Kind

	// Host and Port are set for Module, Root, and Discovery kinds.
	Host string
	Port int

	// Module is set only for the Module kind.
	Module string

	// Path is the subpath under the module (Module kind) or the exported
	// root (Root kind). It is empty for Discovery.
	Path string

	// LocalPath is set only for the Local kind.
	LocalPath string
}

// IsLocal reports whether the endpoint addresses the local filesystem.
func (e Endpoint) IsLocal() bool { return e.Kind == Local }

// String renders the endpoint back into its canonical textual form.
func (e Endpoint) String() string {
	switch e.Kind {
	case Local:
		return e.LocalPath
	case Module:
		return fmt.Sprintf("%s:/%s/%s", e.hostPort(), e.Module, strings.TrimPrefix(e.Path, "/"))
	case Root:
		return fmt.Sprintf("%s://%s", e.hostPort(), strings.TrimPrefix(e.Path, "/"))
	case Discovery:
		return e.hostPort()
	default:
		return ""
	}
}

func (e Endpoint) hostPort() string {
	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if e.Port != 0 && e.Port != DefaultPort {
		return fmt.Sprintf("%s:%d", host, e.Port)
	}
	return host
}

// unambiguouslyLocal reports whether s can only be a local path: no ":/" or
// "://" separator is present, or the string begins with a form that could
// never be a remote host (./, /, ~, a drive letter, or a UNC share).
func unambiguouslyLocal(s string) bool {
	if strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") ||
		strings.HasPrefix(s, "/") || strings.HasPrefix(s, "~") ||
		strings.HasPrefix(s, `\\`) {
		return true
	}
	if len(s) >= 2 && s[1] == ':' && isDriveLetter(s[0]) {
		return true
	}
	return !strings.Contains(s, ":/")
}

func isDriveLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// Parse parses a client-supplied endpoint string into an Endpoint.
func Parse(s string) (Endpoint, error) {
	if s == "" {
		return Endpoint{}, errEmpty
	}

	if unambiguouslyLocal(s) {
		return Endpoint{Kind: Local, LocalPath: s}, nil
	}

	hostPart, rest, sep, err := splitHostAndSeparator(s)
	if err != nil {
		return Endpoint{}, err
	}

	host, port, err := splitHostPort(hostPart)
	if err != nil {
		return Endpoint{}, err
	}

	switch sep {
	case "":
		return Endpoint{Kind: Discovery, Host: host, Port: port}, nil
	case ":/":
		module, path, found := strings.Cut(rest, "/")
		if module == "" {
			return Endpoint{}, errEmptyModule
		}
		if !found {
			path = ""
		}
		return Endpoint{Kind: Module, Host: host, Port: port, Module: module, Path: path}, nil
	case "://":
		return Endpoint{Kind: Root, Host: host, Port: port, Path: rest}, nil
	default:
		return Endpoint{}, fmt.Errorf("endpoint: unrecognized form %q", s)
	}
}

// splitHostAndSeparator finds the first occurrence of "://" or ":/" and
// returns the host portion, the remainder after the separator, and which
// separator matched ("" if neither was found, meaning a bare discovery host).
func splitHostAndSeparator(s string) (hostPart, rest, sep string, err error) {
	// IPv6 literals are bracketed, so a ":/" inside "[...]" must not be
	// mistaken for the module/root separator.
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", "", "", errUnterminatedIPv6
		}
		bracketed := s[:end+1]
		remainder := s[end+1:]
		if idx := strings.Index(remainder, "://"); idx >= 0 {
			return bracketed + remainder[:idx], remainder[idx+3:], "://", nil
		}
		if idx := strings.Index(remainder, ":/"); idx >= 0 {
			return bracketed + remainder[:idx], remainder[idx+2:], ":/", nil
		}
		return bracketed + remainder, "", "", nil
	}

	if idx := strings.Index(s, "://"); idx >= 0 {
		return s[:idx], s[idx+3:], "://", nil
	}
	if idx := strings.Index(s, ":/"); idx >= 0 {
		return s[:idx], s[idx+2:], ":/", nil
	}

	return s, "", "", nil
}

// splitHostPort splits "host", "host:port", or "[ipv6]:port" into parts,
// defaulting the port to DefaultPort when absent.
func splitHostPort(s string) (host string, port int, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", 0, errUnterminatedIPv6
		}
		host = s[1:end]
		remainder := s[end+1:]
		if remainder == "" {
			return host, DefaultPort, nil
		}
		remainder = strings.TrimPrefix(remainder, ":")
		p, perr := strconv.Atoi(remainder)
		if perr != nil {
			return "", 0, fmt.Errorf("%w: %q", errBadPort, remainder)
		}
		return host, p, nil
	}

	if net.ParseIP(s) != nil {
		// Bare (unbracketed) IPv6 literal with no port is still valid.
		return s, DefaultPort, nil
	}

	h, p, found := strings.Cut(s, ":")
	if !found {
		return s, DefaultPort, nil
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", errBadPort, p)
	}
	return h, port, nil
}
