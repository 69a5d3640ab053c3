package config

import (
	"net/url"
	"path"
)

// URLDirname strips the last path segment from a control URL; auxiliary
// endpoints (server certificate, enrollment) live next to the control
// endpoint. It returns the empty string for anything that is not an
// absolute URL.
func URLDirname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	dir := path.Dir(u.Path)
	if dir == "/" || dir == "." {
		u.Path = ""
	} else {
		u.Path = dir
	}
	return u.String()
}
