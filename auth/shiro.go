package auth

import "strings"

// Implies reports whether the granted shiro-style permission covers the
// requested one. Permissions are colon-separated parts; each part may be a
// comma-separated list or the wildcard "*". A granted permission with fewer
// parts covers everything beneath it. A requested "*" part is only covered
// by a granted "*".
func Implies(granted, requested string) bool {
	if granted == "" || requested == "" {
		return false
	}
	g := strings.Split(granted, ":")
	r := strings.Split(requested, ":")
	for i, rp := range r {
		if i >= len(g) {
			return true
		}
		gp := g[i]
		if gp == "*" {
			continue
		}
		if rp == "*" {
			return false
		}
		gSet := strings.Split(gp, ",")
		for _, want := range strings.Split(rp, ",") {
			if !contains(gSet, want) {
				return false
			}
		}
	}
	for _, gp := range g[len(r):] {
		if gp != "*" {
			return false
		}
	}
	return true
}

// Check reports whether any granted permission implies requested.
func Check(requested string, granted []string) bool {
	for _, g := range granted {
		if Implies(g, requested) {
			return true
		}
	}
	return false
}

// CheckMultiple expands comma lists in pattern into single permissions and
// reports whether every one of them is granted. "api:*:create,update" is
// granted by "api:*:create" together with "api:*:update".
func CheckMultiple(pattern string, granted []string) bool {
	if pattern == "" {
		return false
	}
	for _, p := range expand(strings.Split(pattern, ":")) {
		if !Check(p, granted) {
			return false
		}
	}
	return true
}

func expand(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	heads := strings.Split(parts[0], ",")
	if len(parts) == 1 {
		return heads
	}
	tails := expand(parts[1:])
	out := make([]string, 0, len(heads)*len(tails))
	for _, h := range heads {
		for _, t := range tails {
			out = append(out, h+":"+t)
		}
	}
	return out
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
