package offgate

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// discoverAssets fetches the origin's build manifest, when one is
// configured, and returns additional asset paths to pre-cache. Front-end
// builds emit content-hashed bundle names that cannot be listed statically
// in the config, so this keeps the warm list complete across deploys.
// Best-effort: any failure returns nil and install proceeds with the
// configured list alone.
func (s *Service) discoverAssets(ctx context.Context) []string {
	manifest := s.cfg.Cache.AssetManifest
	if manifest == "" {
		return nil
	}

	snap, err := s.fetchOrigin(ctx, http.MethodGet, manifest, nil, nil)
	if err != nil {
		log.Warn().Err(err).Str("manifest", manifest).Msg("asset discovery skipped")
		return nil
	}
	if snap.Status < 200 || snap.Status >= 300 {
		log.Warn().Int("status", snap.Status).Str("manifest", manifest).
			Msg("asset discovery skipped")
		return nil
	}

	paths := parseAssetManifest(snap.Body)
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if isStaticAsset(&s.cfg, p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	log.Info().Int("assets", len(out)).Str("manifest", manifest).Msg("assets discovered")
	return out
}

// parseAssetManifest understands the two common manifest shapes: CRA-style
// {"files": {name: path}} and a flat map of name to either a path string or
// a Vite-style object carrying a "file" field.
func parseAssetManifest(b []byte) []string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return nil
	}

	if filesRaw, ok := top["files"]; ok {
		var files map[string]string
		if err := json.Unmarshal(filesRaw, &files); err == nil {
			return collectPaths(files)
		}
	}

	files := map[string]string{}
	for name, raw := range top {
		var path string
		if err := json.Unmarshal(raw, &path); err == nil {
			files[name] = path
			continue
		}
		var entry struct {
			File string `json:"file"`
		}
		if err := json.Unmarshal(raw, &entry); err == nil && entry.File != "" {
			files[name] = entry.File
		}
	}
	return collectPaths(files)
}

func collectPaths(files map[string]string) []string {
	out := make([]string, 0, len(files))
	for _, p := range files {
		p = strings.TrimSpace(p)
		if p == "" || strings.Contains(p, "://") {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		out = append(out, p)
	}
	return out
}
