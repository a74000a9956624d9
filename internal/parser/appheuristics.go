package parser

import (
	"bytes"
	"strings"
)

const maxBannerLen = 255

// SSHVersion is a parsed SSH identification string.
type SSHVersion struct {
	Protocol string // e.g. "SSH-2.0"
	Software string // e.g. "OpenSSH_8.9p1 Ubuntu-3"
}

// DetectSSHBanner returns the SSH identification string that starts data.
func DetectSSHBanner(data []byte) (string, bool) {
	if !isSSH(data) {
		return "", false
	}
	return extractSSHVersion(data), true
}

// ParseSSHVersion splits "SSH-2.0-OpenSSH_8.9" into protocol and software.
func ParseSSHVersion(banner string) (SSHVersion, bool) {
	parts := strings.SplitN(banner, "-", 3)
	if len(parts) < 3 || parts[0] != "SSH" {
		return SSHVersion{}, false
	}
	return SSHVersion{Protocol: parts[0] + "-" + parts[1], Software: parts[2]}, true
}

func isSSH(data []byte) bool {
	return len(data) >= 4 && bytes.HasPrefix(data, []byte("SSH-"))
}

func extractSSHVersion(data []byte) string {
	if end := bytes.IndexByte(data, '\n'); end >= 0 {
		data = data[:end]
	}
	if len(data) > maxBannerLen {
		data = data[:maxBannerLen]
	}
	return strings.TrimRight(string(data), "\r")
}
