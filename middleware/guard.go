package middleware

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tideflow "github.com/jeanjacintho/tide-flow-sub000"
	"github.com/jeanjacintho/tide-flow-sub000/permission"
)

// DefaultRetryAfter is advertised while the session is still loading.
const DefaultRetryAfter = time.Second

// Options tunes how a guard answers requests it rejects.
type Options struct {
	// LoginPath receives unauthenticated browser requests. Empty answers
	// 401 instead.
	LoginPath  string
	RetryAfter time.Duration
}

// RequireSession admits requests while the session is authenticated.
func RequireSession(sessions tideflow.SnapshotSource, opts Options) func(http.Handler) http.Handler {
	return Guard(sessions, permission.Rule{}, opts)
}

// Guard admits requests whose principal satisfies rule. The snapshot the
// decision was made on is attached to the request context.
//
// A loading session gets 503 with Retry-After. An unauthenticated one is
// sent to LoginPath. A principal lacking the role is sent to the rule's
// redirect target, or gets 403 when that target is the requested path.
func Guard(sessions tideflow.SnapshotSource, rule permission.Rule, opts Options) func(http.Handler) http.Handler {
	retry := opts.RetryAfter
	if retry <= 0 {
		retry = DefaultRetryAfter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sessions == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			snap := sessions.Snapshot()
			res := tideflow.EvaluateAccess(snap, rule)
			switch {
			case res.IsChecking:
				w.Header().Set("Retry-After", strconv.Itoa(int((retry+time.Second-1)/time.Second)))
				http.Error(w, "session loading", http.StatusServiceUnavailable)
				return
			case !snap.Authenticated():
				if opts.LoginPath == "" || wantsJSON(r) {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				http.Redirect(w, r, loginURL(opts.LoginPath, r.URL), http.StatusSeeOther)
				return
			case !res.HasAccess:
				target := rule.RedirectTo()
				if wantsJSON(r) || samePath(target, r.URL.Path) {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				http.Redirect(w, r, target, http.StatusSeeOther)
				return
			}

			ctx := tideflow.WithSnapshot(r.Context(), snap)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loginURL(loginPath string, from *url.URL) string {
	if from == nil || from.Path == "" || samePath(from.Path, loginPath) {
		return loginPath
	}
	return loginPath + "?next=" + url.QueryEscape(from.RequestURI())
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func samePath(a, b string) bool {
	trim := func(s string) string {
		if i := strings.IndexAny(s, "?#"); i >= 0 {
			s = s[:i]
		}
		if s = strings.TrimRight(s, "/"); s == "" {
			return "/"
		}
		return s
	}
	return trim(a) == trim(b)
}
