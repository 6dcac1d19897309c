// Package version provides the release version of the module.
package version

import "fmt"

const (
	major = 0
	minor = 9
)

// build is set by the linker with -X
var build = "dev"

// Info describes the release version
type Info struct {
	Major int
	Minor int
	Build string
}

func (v Info) String() string {
	return fmt.Sprintf("%d.%d (%s)", v.Major, v.Minor, v.Build)
}

// Current returns the version of the binary
func Current() Info {
	return Info{
		Major: major,
		Minor: minor,
		Build: build,
	}
}
