package dnsutils

// CompareNames orders domain names as if their labels were written in
// reverse ("www.example.com" sorts as "com.example.www"). Labels are compared
// byte-wise with ASCII case folding and a trailing root dot is ignored.
// A name sorts directly before all of its subdomains, so a name and
// everything under it form one contiguous range. Empty labels count, so
// ".com" is a subdomain of "com" and not equal to it.
func CompareNames(a, b string) int {
	a, b = trimRoot(a), trimRoot(b)
	i, j := lastLabelEnd(a), lastLabelEnd(b)
	for {
		switch {
		case i < 0 && j < 0:
			return 0
		case i < 0:
			return -1
		case j < 0:
			return 1
		}

		var la, lb string
		la, i = prevLabel(a, i)
		lb, j = prevLabel(b, j)
		if c := compareFold(la, lb); c != 0 {
			return c
		}
	}
}

// EqualNames reports whether a and b are the same name, ignoring case and a
// trailing root dot.
func EqualNames(a, b string) bool {
	a, b = trimRoot(a), trimRoot(b)
	return len(a) == len(b) && compareFold(a, b) == 0
}

// IsSubDomainOrEqual reports whether name is parent or a name below it.
// The root ("" or ".") is the parent of every name.
func IsSubDomainOrEqual(name, parent string) bool {
	name, parent = trimRoot(name), trimRoot(parent)
	if len(parent) == 0 {
		return true
	}
	if len(name) < len(parent) {
		return false
	}
	if compareFold(name[len(name)-len(parent):], parent) != 0 {
		return false
	}
	return len(name) == len(parent) || name[len(name)-len(parent)-1] == '.'
}

// lastLabelEnd returns the end of the last label of s, or -1 if s is the
// root and has no labels.
func lastLabelEnd(s string) int {
	if len(s) == 0 {
		return -1
	}
	return len(s)
}

// prevLabel returns the label that ends at s[end] and the end of the label
// before it. The returned end is -1 once the first label was consumed.
func prevLabel(s string, end int) (label string, next int) {
	for k := end - 1; k >= 0; k-- {
		if s[k] == '.' {
			return s[k+1 : end], k
		}
	}
	return s[:end], -1
}

func trimRoot(s string) string {
	if n := len(s); n > 0 && s[n-1] == '.' {
		return s[:n-1]
	}
	return s
}

func compareFold(a, b string) int {
	n := min(len(a), len(b))
	for k := 0; k < n; k++ {
		ca, cb := lower(a[k]), lower(b[k])
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
