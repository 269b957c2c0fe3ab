// Package policyfile loads a global policy from disk, used to seed the
// policy store on first run.
//
// Structured files (.yaml, .yml, .json, .toml) carry three host lists:
//
//	blocked: [ads.example.com]
//	allowed: [cdn.example.org]
//	pending: []
//
// Any other extension is read as a plain host list whose entries are blocked.
package policyfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	logpkg "github.com/haukened/hostgate/internal/gate/common/log"
	"github.com/haukened/hostgate/internal/gate/common/hostname"
	"github.com/haukened/hostgate/internal/gate/domain"
)

// parserFor maps a file extension to a koanf parser; nil means plain list.
var parserFor = func(ext string) koanf.Parser {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Parser()
	case ".json":
		return json.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return nil
	}
}

// Load reads the policy file at path and returns a cleaned global policy.
// Hosts failing hostname.IsValid are dropped.
func Load(path string, logger logpkg.Logger) (domain.GlobalPolicy, error) {
	parser := parserFor(filepath.Ext(path))
	if parser == nil {
		return loadPlain(path, logger)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return domain.GlobalPolicy{}, fmt.Errorf("error loading policy file %s: %w", path, err)
	}
	var raw domain.GlobalPolicy
	if err := k.UnmarshalWithConf("", &raw, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return domain.GlobalPolicy{}, fmt.Errorf("error unmarshalling policy file %s: %w", path, err)
	}

	gp := domain.GlobalPolicy{
		Blocked: validHosts(raw.Blocked, path, logger),
		Allowed: validHosts(raw.Allowed, path, logger),
		Pending: validHosts(raw.Pending, path, logger),
	}.Clean()
	logger.Info(map[string]any{
		"path":    path,
		"blocked": len(gp.Blocked),
		"allowed": len(gp.Allowed),
		"pending": len(gp.Pending),
	}, "policy file loaded")
	return gp, nil
}

func loadPlain(path string, logger logpkg.Logger) (domain.GlobalPolicy, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.GlobalPolicy{}, fmt.Errorf("error opening policy file %s: %w", path, err)
	}
	defer f.Close()

	hosts, err := ParseHostList(f, path, logger)
	if err != nil {
		return domain.GlobalPolicy{}, fmt.Errorf("error reading policy file %s: %w", path, err)
	}
	gp := domain.GlobalPolicy{Blocked: hosts}.Clean()
	logger.Info(map[string]any{"path": path, "blocked": len(gp.Blocked)}, "host list loaded")
	return gp, nil
}

func validHosts(hosts []string, source string, logger logpkg.Logger) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		n := hostname.Normalize(h)
		if !hostname.IsValid(n) {
			logger.Warn(map[string]any{"source": source, "host": h}, "skipping invalid host")
			continue
		}
		out = append(out, n)
	}
	return out
}
