package policyfile

import (
	"bufio"
	"io"
	"net"
	"strings"

	logpkg "github.com/haukened/hostgate/internal/gate/common/log"
	"github.com/haukened/hostgate/internal/gate/common/hostname"
)

// ParseHostList reads a newline-delimited host list.
//
// Accepted lines:
//   - a bare host ("ads.example.com")
//   - a suffix marker ("*.ads.example.com" or ".ads.example.com"), stored as the
//     bare host since request domain matching already covers subdomains
//   - an /etc/hosts entry ("0.0.0.0 ads.example.com tracker.example.net")
//
// Comments start with '#', whole-line or inline. Invalid hosts are skipped
// and duplicates collapse, preserving first-seen order.
func ParseHostList(r io.Reader, source string, logger logpkg.Logger) ([]string, error) {
	scanner := bufio.NewScanner(r)
	seen := make(map[string]struct{})
	out := make([]string, 0, 64)

	logger.Debug(map[string]any{"source": source}, "parse_host_list_start")
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimPrefix(scanner.Text(), "\uFEFF")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}

		fields := strings.Fields(line)
		if len(fields) > 1 && net.ParseIP(fields[0]) != nil {
			fields = fields[1:]
		}
		for _, raw := range fields {
			host := normalizeToken(raw)
			if !hostname.IsValid(host) {
				logger.Debug(map[string]any{"line": lineNum, "raw": raw}, "skip_invalid_host")
				continue
			}
			if _, ok := seen[host]; ok {
				continue
			}
			seen[host] = struct{}{}
			out = append(out, host)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug(map[string]any{"source": source, "error": err.Error()}, "parse_host_list_scan_error")
		return nil, err
	}
	logger.Debug(map[string]any{"source": source, "count": len(out)}, "parse_host_list_done")
	return out, nil
}

func normalizeToken(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "*.")
	s = strings.TrimPrefix(s, ".")
	s = strings.TrimSuffix(s, ".")
	return hostname.Normalize(s)
}
