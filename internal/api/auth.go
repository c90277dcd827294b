package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/chambrid/jobs-api/pkg/jobs"
)

// AuthHeader carries the subject of the client certificate, as
// "CN=<tool>,O=toolforge".
const AuthHeader = "ssl-client-subject-dn"

const toolOrganization = "toolforge"

type toolKey struct{}

// ToolFromContext returns the authenticated tool of a request.
func ToolFromContext(ctx context.Context) string {
	tool, _ := ctx.Value(toolKey{}).(string)
	return tool
}

// withToolAuth only lets through requests whose certificate belongs to
// the tool of the path.
func (s *Server) withToolAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tool, err := toolFromRequest(r)
		if err == nil && tool != chi.URLParam(r, "tool") {
			err = jobs.NewAuthError(fmt.Sprintf("Toolname mismatch: expected '%s', got '%s'", chi.URLParam(r, "tool"), tool))
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), toolKey{}, tool)))
	})
}

func toolFromRequest(r *http.Request) (string, error) {
	raw := r.Header.Get(AuthHeader)
	if raw == "" {
		return "", jobs.NewAuthError(fmt.Sprintf("missing '%s' header", AuthHeader))
	}

	attrs, err := parseDN(raw)
	if err != nil {
		return "", jobs.NewAuthError(fmt.Sprintf("Failed to parse certificate name '%s'", raw))
	}

	cn := attrs["CN"]
	if len(cn) != 1 || cn[0] == "" {
		return "", jobs.NewAuthError(fmt.Sprintf("Failed to load name for certificate '%s'", raw))
	}

	orgs := attrs["O"]
	if len(orgs) != 1 || orgs[0] != toolOrganization {
		return "", jobs.NewAuthError(fmt.Sprintf(
			"This certificate can't access the Jobs API. Double check you're logged in to the correct account? (got %v)", orgs))
	}
	return cn[0], nil
}

// parseDN splits an RFC 4514 distinguished name into its attributes.
// Multi-valued RDNs and backslash escapes are understood, hex encoded
// values are not.
func parseDN(dn string) (map[string][]string, error) {
	attrs := map[string][]string{}

	var (
		key, value strings.Builder
		inValue    bool
		escaped    bool
	)
	flush := func() error {
		k := strings.ToUpper(strings.TrimSpace(key.String()))
		if k == "" || !inValue {
			return fmt.Errorf("malformed attribute %q", key.String())
		}
		attrs[k] = append(attrs[k], strings.TrimSpace(value.String()))
		key.Reset()
		value.Reset()
		inValue = false
		return nil
	}

	for _, c := range dn {
		switch {
		case escaped:
			value.WriteRune(c)
			escaped = false
		case c == '\\' && inValue:
			escaped = true
		case (c == ',' || c == '+') && inValue:
			if err := flush(); err != nil {
				return nil, err
			}
		case c == '=' && !inValue:
			inValue = true
		case inValue:
			value.WriteRune(c)
		default:
			key.WriteRune(c)
		}
	}
	if escaped {
		return nil, fmt.Errorf("dangling escape in %q", dn)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return attrs, nil
}
