package osrelease

import (
	"strings"
)

type CentosReleaseParser struct{}

func (p CentosReleaseParser) File() string {
	return "etc/centos-release"
}

func (p CentosReleaseParser) Parse(data []byte) (*OSReleaseInfo, error) {
	info := OSReleaseInfo{
		Source:  "centos-release",
		Family:  "centos",
		Distrib: "centos",
		Name:    "CentOS Linux",
	}

	// LSB format: "distro release x.x (codename)"
	// or
	// Pre-LSB format: "distro x.x (codename)"

	verstr := strings.TrimSpace(string(data))

	parts := strings.Fields(strings.ToLower(verstr))

	for i, s := range parts {
		if s == "release" && i+1 < len(parts) {
			info.Version = strings.Split(parts[i+1], ".")[0]
			break
		}
	}

	if len(info.Version) == 0 && len(parts) >= 3 {
		info.Version = strings.Split(parts[len(parts)-2], ".")[0]
	}

	info.PrettyName = verstr

	return &info, nil
}
