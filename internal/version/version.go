// Package version reports the objlog build, set at build time via ldflags:
//
//	-X github.com/ehrlich-b/objlog/internal/version.Version=v1.2.3
//	-X github.com/ehrlich-b/objlog/internal/version.Commit=abc1234
package version

var (
	Version = "dev"
	Commit  = ""
)

// String is Version, followed by the short commit when known.
func String() string {
	if Commit == "" {
		return Version
	}
	c := Commit
	if len(c) > 7 {
		c = c[:7]
	}
	return Version + " (" + c + ")"
}
