package osrelease

import (
	"fmt"
	"strconv"
	"strings"
)

// DebianVersionParser reads /etc/debian_version, which holds
// either a point release ("12.5") or a codename ("trixie/sid").
type DebianVersionParser struct{}

func (p DebianVersionParser) File() string {
	return "etc/debian_version"
}

func (p DebianVersionParser) Parse(data []byte) (*OSReleaseInfo, error) {
	info := OSReleaseInfo{
		Source:  "debian_version",
		Family:  "debian",
		Distrib: "debian",
		Name:    "Debian GNU/Linux",
	}

	verstr := strings.ToLower(strings.TrimSpace(string(data)))

	if len(verstr) == 0 {
		return nil, fmt.Errorf("debian_version: empty file")
	}

	if strings.Contains(verstr, "/") {
		// Testing and unstable: "trixie/sid"
		info.Version = VersionByCodename(debianCodes, strings.Split(verstr, "/")[0])
	} else {
		info.Version = strings.Split(verstr, ".")[0]
		if _, err := strconv.Atoi(info.Version); err != nil {
			info.Version = VersionByCodename(debianCodes, info.Version)
		}
	}

	if v, ok := debianCodes[info.Version]; ok {
		info.CodeName = strings.ToLower(v)
		info.PrettyName = fmt.Sprintf("Debian GNU/Linux %s (%s)", info.Version, info.CodeName)
	} else {
		info.PrettyName = "Debian GNU/Linux " + verstr
	}

	return &info, nil
}
