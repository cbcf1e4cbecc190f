package osrelease

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"
)

var osReleaseLine = regexp.MustCompile(`^(NAME|ID|ID_LIKE|VERSION_ID|VERSION_CODENAME|PRETTY_NAME)=(\S+.*)`)

type OsReleaseParser struct{}

func (p OsReleaseParser) File() string {
	return "etc/os-release"
}

func (p OsReleaseParser) Parse(data []byte) (*OSReleaseInfo, error) {
	info := OSReleaseInfo{
		Source: "os-release",
	}

	var idLike string

	scanner := bufio.NewScanner(bytes.NewReader(data))

	for scanner.Scan() {
		fields := osReleaseLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if fields == nil {
			continue
		}

		key, value := fields[1], strings.Trim(fields[2], `"'`)

		switch key {
		case "NAME":
			info.Name = value
		case "PRETTY_NAME":
			info.PrettyName = value
		case "ID":
			info.Distrib = strings.ToLower(value)
		case "ID_LIKE":
			idLike = strings.ToLower(value)
		case "VERSION_ID":
			info.Version = strings.ToLower(value)
		case "VERSION_CODENAME":
			info.CodeName = strings.ToLower(value)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	switch info.Distrib {
	case "opensuse-leap":
		info.Family = "opensuse"
	case "rocky", "almalinux", "ol":
		info.Family = "rhel"
	default:
		info.Family = info.Distrib
	}

	// Derivatives without their own codename table (e.g. Devuan)
	if info.Family != "ubuntu" && strings.HasPrefix(idLike, "debian") {
		info.Family = "debian"
	}

	if len(info.CodeName) == 0 {
		switch info.Family {
		case "debian":
			info.CodeName = strings.ToLower(debianCodes[info.Version])
		case "ubuntu":
			if parts := strings.Split(info.Version, "."); len(parts) >= 2 {
				info.CodeName = strings.ToLower(ubuntuCodes[parts[0]+"."+parts[1]])
			}
		case "opensuse":
			if parts := strings.Split(info.Version, "."); len(parts) > 1 {
				info.CodeName = parts[0]
			}
		}
	}

	return &info, nil
}
