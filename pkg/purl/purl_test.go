package purl

import "testing"

func TestProject(t *testing.T) {
	tt := []struct {
		Name string
		In   string
		Want string
	}{
		{Name: "Simple", In: "requests", Want: "pkg:pypi/requests"},
		{Name: "Uppercase", In: "Requests", Want: "pkg:pypi/requests"},
		{Name: "Underscore", In: "zope_interface", Want: "pkg:pypi/zope-interface"},
		{Name: "Dotted", In: "zope.interface", Want: "pkg:pypi/zope-interface"},
		{Name: "RunOfSeparators", In: "foo--_.bar", Want: "pkg:pypi/foo-bar"},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			if got := Project(tc.In); got != tc.Want {
				t.Errorf("Project(%q) = %q, want %q", tc.In, got, tc.Want)
			}
		})
	}
}

func TestRelease(t *testing.T) {
	tt := []struct {
		Name    string
		In      string
		Version string
		Want    string
	}{
		{Name: "Simple", In: "requests", Version: "2.31.0", Want: "pkg:pypi/requests@2.31.0"},
		{Name: "Normalized", In: "Zope_Interface", Version: "5.4.0", Want: "pkg:pypi/zope-interface@5.4.0"},
	}

	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			if got := Release(tc.In, tc.Version); got != tc.Want {
				t.Errorf("Release(%q, %q) = %q, want %q", tc.In, tc.Version, got, tc.Want)
			}
		})
	}
}
