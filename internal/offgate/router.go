package offgate

import (
	"net/http"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
)

// requestClass is the policy a request is dispatched to. Classification is
// total and order-sensitive: the first matching rule wins, so no request
// can land in two classes.
type requestClass int

const (
	// classPassThrough: non-GET. Never cached; failures while offline are
	// the queue store's concern, not the cache manager's.
	classPassThrough requestClass = iota
	// classAPI: GET under the API prefix, stale-while-revalidate.
	classAPI
	// classStatic: asset by extension or path marker, cache-first.
	classStatic
	// classHTML: navigation (Accept: text/html), network-first with the
	// offline page as last resort.
	classHTML
	// classGeneric: everything else, network-first with no synthesized
	// fallback.
	classGeneric
)

func (c requestClass) String() string {
	switch c {
	case classPassThrough:
		return "pass-through"
	case classAPI:
		return "api"
	case classStatic:
		return "static"
	case classHTML:
		return "html"
	default:
		return "generic"
	}
}

func classify(cfg *Config, method, urlPath, accept string) requestClass {
	if method != http.MethodGet {
		return classPassThrough
	}
	if strings.HasPrefix(urlPath, cfg.Routes.APIPrefix) {
		return classAPI
	}
	if isStaticAsset(cfg, urlPath) {
		return classStatic
	}
	if strings.Contains(accept, "text/html") {
		return classHTML
	}
	return classGeneric
}

func isStaticAsset(cfg *Config, urlPath string) bool {
	if ext := strings.ToLower(path.Ext(urlPath)); ext != "" {
		if _, ok := cfg.Routes.staticExts[ext]; ok {
			return true
		}
	}
	for _, marker := range cfg.Routes.StaticMarkers {
		if strings.Contains(urlPath, marker) {
			return true
		}
	}
	return false
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	class := classify(&s.cfg, r.Method, r.URL.Path, r.Header.Get("Accept"))
	log.Debug().Str("class", class.String()).Str("method", r.Method).
		Str("path", r.URL.Path).Msg("dispatch")
	switch class {
	case classPassThrough:
		s.passThrough(w, r)
	case classAPI:
		s.staleWhileRevalidate(w, r)
	case classStatic:
		s.cacheFirst(w, r)
	case classHTML:
		s.networkFirst(w, r, true)
	default:
		s.networkFirst(w, r, false)
	}
}
