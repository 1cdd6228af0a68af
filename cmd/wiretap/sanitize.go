package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	ipPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern  = regexp.MustCompile(`\+?\b1?\d{10}\b`)
	secretPattern = regexp.MustCompile(`(?i)^((?:Secret|Password|AuthToken):\s*).+`)
)

// headers whose values may carry a dialed or calling number.
var numberHeaders = []string{"CallerID", "ConnectedLine", "Exten", "Channel", "DestChannel", "Value"}

// sanitizeLine redacts credentials, addresses and phone numbers from one
// capture line. Loopback addresses survive.
func sanitizeLine(line string) string {
	line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
	line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
		if ip == "127.0.0.1" {
			return ip
		}
		return "10.0.0.1"
	})
	for _, h := range numberHeaders {
		if strings.HasPrefix(line, h) {
			line = phonePattern.ReplaceAllString(line, "15550001234")
			break
		}
	}
	return line
}

// sanitizeFile rewrites path in place after saving a .bak copy.
func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".bak", data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		body := strings.TrimSuffix(line, "\r")
		lines[i] = sanitizeLine(body) + line[len(body):]
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
