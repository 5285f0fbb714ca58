// Package pgconninfo parses and builds libpq connection strings and
// postgres:// URLs, normalizing both to a keyword map so the rest of the
// daemon can treat a configured peer's conninfo uniformly regardless of how
// the operator wrote it.
package pgconninfo

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Info is a normalized libpq keyword/value connection parameter map.
type Info map[string]string

// Parse accepts a libpq keyword string, a postgres:// / postgresql:// URL,
// or returns an error if neither form can be recognized.
func Parse(conninfo string) (Info, error) {
	trimmed := strings.TrimSpace(conninfo)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return ParseURL(trimmed)
	}
	return ParseLibpq(trimmed)
}

// ParseURL parses a postgres:// or postgresql:// connection URL.
func ParseURL(raw string) (Info, error) {
	// Swap the scheme so net/url handles query/path the same way regardless
	// of which of the two accepted schemes was used.
	schemeless := raw
	if idx := strings.Index(raw, ":"); idx >= 0 {
		schemeless = raw[idx+1:]
	}
	u, err := url.Parse("postgres:" + schemeless)
	if err != nil {
		return nil, fmt.Errorf("parse connection url: %w", err)
	}

	fields := Info{}
	if host := u.Hostname(); host != "" {
		fields["host"] = host
	}
	if port := u.Port(); port != "" {
		fields["port"] = port
	}
	if u.User != nil {
		if user := u.User.Username(); user != "" {
			fields["user"] = user
		}
		if pw, ok := u.User.Password(); ok {
			fields["password"] = pw
		}
	}
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		fields["dbname"] = path
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			fields[k] = v[len(v)-1]
		}
	}
	return fields, nil
}

// ParseLibpq parses a "key=value key2='quoted value'" style libpq
// connection string into a keyword map.
func ParseLibpq(s string) (Info, error) {
	fields := Info{}
	for {
		s = strings.TrimSpace(s)
		if s == "" {
			break
		}
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return nil, fmt.Errorf("expecting key=value format in connection string fragment %q", s)
		}
		key := s[:eq]
		rem := s[eq+1:]

		var value string
		if strings.HasPrefix(rem, "'") {
			var b strings.Builder
			i := 1
			closed := false
			for ; i < len(rem); i++ {
				c := rem[i]
				switch {
				case c == '\\' && i+1 < len(rem):
					i++
					b.WriteByte(rem[i])
				case c == '\'':
					closed = true
				default:
					b.WriteByte(c)
				}
				if closed {
					break
				}
			}
			if !closed {
				return nil, fmt.Errorf("invalid connection string fragment %q", rem)
			}
			value = b.String()
			s = rem[i+1:]
		} else {
			fields2 := strings.SplitN(rem, " ", 2)
			// Also honor tabs/newlines like Python's str.split(None, 1).
			fields2 = strings.Fields(rem)
			if len(fields2) > 0 {
				value = fields2[0]
				rest := strings.TrimPrefix(rem, value)
				s = rest
			} else {
				value = rem
				s = ""
			}
		}

		if strings.EqualFold(key, "replication") {
			value = strings.ToLower(value)
		}
		fields[key] = value
	}
	return fields, nil
}

// Build renders a keyword map back into a libpq connection string with
// single-quoted, backslash-escaped values, with keys in stable sorted order
// so output is deterministic (used for idempotency comparisons, §4.5).
func Build(info Info) string {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteByte('\'')
		b.WriteString(quote(info[k]))
		b.WriteByte('\'')
	}
	return b.String()
}

// quote escapes backslashes and single quotes per libpq connection-string
// rules.
func quote(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r == '\\' || r == '\'' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Merge overlays override onto base, returning a new Info with override's
// keys taking precedence.
func Merge(base, override Info) Info {
	out := make(Info, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
