package vm

import "fmt"

// VersionInfo is a comparable backend version, used to gate features that
// only exist from a particular hypervisor release onward.
type VersionInfo struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v VersionInfo) Compare(o VersionInfo) int {
	pairs := [4][2]int{
		{v.Major, o.Major},
		{v.Minor, o.Minor},
		{v.Build, o.Build},
		{v.Revision, o.Revision},
	}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v is the same as or newer than o.
func (v VersionInfo) AtLeast(o VersionInfo) bool { return v.Compare(o) >= 0 }
