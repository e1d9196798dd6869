// Package pep440 implements types for parsing and ordering versions as
// defined in PEP 440. The monitor uses Parse to validate version strings
// taken from release filenames.
package pep440

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pattern *regexp.Regexp

func init() {
	// This is the regexp given in the "versioning" appendix of PEP 440,
	// https://www.python.org/dev/peps/pep-0440/#id81
	const r = `v?` +
		`(?:` +
		`(?:(?P<epoch>[0-9]+)!)?` + // epoch
		`(?P<release>[0-9]+(?:\.[0-9]+)*)` + // release segment
		`(?P<pre>[-_\.]?(?P<pre_l>(a|b|c|rc|alpha|beta|pre|preview))[-_\.]?(?P<pre_n>[0-9]+)?)?` + // pre release
		`(?P<post>(?:-(?P<post_n1>[0-9]+))|(?:[-_\.]?(?P<post_l>post|rev|r)[-_\.]?(?P<post_n2>[0-9]+)?))?` + // post release
		`(?P<dev>[-_\.]?(?P<dev_l>dev)[-_\.]?(?P<dev_n>[0-9]+)?)?` + // dev release
		`)` +
		`(?:\+(?P<local>[a-z0-9]+(?:[-_\.][a-z0-9]+)*))?` // local version
	pattern = regexp.MustCompile(r)
}

// Version is a canonical-ish representation of a PEP 440 version. Local
// revisions are discarded: two releases differing only in local version
// label compare equal, matching PyPI's own release ordering, which ignores
// local labels for index purposes.
type Version struct {
	Epoch   int
	Release []int
	Pre     struct {
		Label string
		N     int
	}
	Post int
	Dev  int
}

// Sortable is a fixed-width comparison key with no knowledge of the version
// scheme beyond integer ordering; two Versions compare equal iff their keys
// are equal element-wise.
type Sortable [10]int32

// Compare returns an integer comparing two keys: 0 if equal, -1 if a < b,
// +1 if a > b.
func (a Sortable) Compare(b Sortable) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// Key builds v's Sortable comparison key.
//
// Release is normalized to five numbers; missing numbers are zero and
// additional numbers are dropped. A dev revision with neither a pre- nor
// post-release is promoted earlier in the key so that it sorts before any
// pre-release of the same release segment.
func (v *Version) Key() (key Sortable) {
	const (
		epoch = 0
		rel   = 1
		preL  = 6
		preN  = 7
		post  = 8
		dev   = 9
	)
	key[epoch] = int32(v.Epoch)
	for i, n := range v.Release {
		if i > 4 {
			break
		}
		key[rel+i] = int32(n)
	}
	switch v.Pre.Label {
	case "a":
		key[preL] = -3
	case "b":
		key[preL] = -2
	case "rc":
		key[preL] = -1
	}
	key[preN] = int32(v.Pre.N)
	key[post] = int32(v.Post)
	if v.Dev != 0 {
		if v.Post != 0 || key[preL] != 0 {
			key[dev] = -int32(v.Dev)
		} else {
			const minInt = -int32((^uint32(0))>>1) - 1
			key[preL] = minInt + int32(v.Dev)
		}
	}
	return key
}

// String returns the canonicalized representation of the Version.
func (v *Version) String() string {
	var b strings.Builder
	if v.Epoch != 0 {
		fmt.Fprintf(&b, "%d!", v.Epoch)
	}
	for i, n := range v.Release {
		if i != 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatInt(int64(n), 10))
	}
	if v.Pre.Label != "" {
		b.WriteString(v.Pre.Label)
		b.WriteString(strconv.FormatInt(int64(v.Pre.N), 10))
	}
	if v.Post != 0 {
		fmt.Fprintf(&b, ".post%d", v.Post)
	}
	if v.Dev != 0 {
		fmt.Fprintf(&b, ".dev%d", v.Dev)
	}
	return b.String()
}

// Compare returns an integer comparing two versions: 0 if a == b, -1 if
// a < b, +1 if a > b.
func (a *Version) Compare(b *Version) int {
	return a.Key().Compare(b.Key())
}

// Parse attempts to extract a PEP 440 version from s, as found in a release
// filename's version segment or a JSON index's "version" field.
func Parse(s string) (v Version, err error) {
	if !pattern.MatchString(s) {
		return v, fmt.Errorf("pep440: invalid version: %q", s)
	}

	ms := pattern.FindStringSubmatch(s)
	for i, n := range pattern.SubexpNames() {
		if ms[i] == "" {
			continue
		}

		switch n {
		case "epoch":
			v.Epoch, err = strconv.Atoi(ms[i])
			if err != nil {
				return v, err
			}
		case "release":
			ns := strings.Split(ms[i], ".")
			v.Release = make([]int, len(ns))
			for i, n := range ns {
				v.Release[i], err = strconv.Atoi(n)
				if err != nil {
					return v, err
				}
			}
		case "pre_l":
			switch l := ms[i]; l {
			case "a", "alpha":
				v.Pre.Label = "a"
			case "b", "beta":
				v.Pre.Label = "b"
			case "rc", "c", "pre", "preview":
				v.Pre.Label = "rc"
			default:
				return v, fmt.Errorf("pep440: unknown pre-release label %q", l)
			}
		case "pre_n":
			v.Pre.N, err = strconv.Atoi(ms[i])
			if err != nil {
				return v, err
			}
		case "post_n1", "post_n2":
			v.Post, err = strconv.Atoi(ms[i])
			if err != nil {
				return v, err
			}
		case "dev_n":
			v.Dev, err = strconv.Atoi(ms[i])
			if err != nil {
				return v, err
			}
		}
	}

	return v, nil
}

// Versions implements sort.Interface, ordering oldest first.
type Versions []Version

func (vs Versions) Len() int           { return len(vs) }
func (vs Versions) Less(i, j int) bool { return vs[i].Compare(&vs[j]) == -1 }
func (vs Versions) Swap(i, j int)      { vs[i], vs[j] = vs[j], vs[i] }
