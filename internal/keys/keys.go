// Package keys builds deterministic cache keys from request shape.
package keys

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ParamHash returns a short stable hash over query parameters. Keys are
// sorted and multi-values joined so that parameter order on the wire never
// produces a second cache entry for the same logical request.
func ParamHash(params url.Values) string {
	if len(params) == 0 {
		return "-"
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		vs := params[k]
		if len(vs) > 1 {
			vs = append([]string(nil), vs...)
			sort.Strings(vs)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(vs, ","))
		b.WriteByte(':')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum)[:16]
}

// Response returns the storage key for a cached response.
// Format: resp:<ns>:<route>:<paramhash>[:u=<principal>]
func Response(namespace, route, paramHash, principal string) string {
	k := "resp:" + namespace + ":" + route + ":" + paramHash
	if principal != "" {
		k += ":u=" + principal
	}
	return k
}

// NamespacePrefix is the prefix shared by every response entry of a
// namespace; purges delete by this prefix.
func NamespacePrefix(namespace string) string {
	return "resp:" + namespace + ":"
}
