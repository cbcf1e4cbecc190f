package osrelease

import "strings"

// VersionByCodename returns the version whose codename matches code
// (case-insensitive), or an empty string.
func VersionByCodename(m map[string]string, code string) string {
	for k, v := range m {
		if strings.EqualFold(v, code) {
			return k
		}
	}

	return ""
}

var debianCodes = map[string]string{
	"7":  "Wheezy",
	"8":  "Jessie",
	"9":  "Stretch",
	"10": "Buster",
	"11": "Bullseye",
	"12": "Bookworm",
	"13": "Trixie",
	"14": "Forky",
}

var ubuntuCodes = map[string]string{
	"14.04": "Trusty Tahr",
	"16.04": "Xenial Xerus",
	"18.04": "Bionic Beaver",
	"20.04": "Focal Fossa",
	"22.04": "Jammy Jellyfish",
	"23.10": "Mantic Minotaur",
	"24.04": "Noble Numbat",
	"24.10": "Oracular Oriole",
}
