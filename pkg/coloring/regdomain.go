package coloring

import (
	"strings"

	"github.com/markus-lassfolk/airbalance/pkg"
)

// Band identifies a radio band
type Band string

const (
	Band24 Band = "2.4"
	Band5  Band = "5"
)

// RegDomainChannels returns the non-overlapping channel set for a
// regulatory domain and band. Unknown domains get a conservative set.
func RegDomainChannels(regDomain string, band Band, useDFS bool) []pkg.Channel {
	switch strings.ToUpper(regDomain) {
	case "ETSI":
		if band == Band24 {
			return []pkg.Channel{1, 5, 9, 13}
		}
		chs := []pkg.Channel{36, 40, 44, 48}
		if useDFS {
			chs = append(chs, 100, 104, 108, 112, 116, 120, 124, 128, 132, 136, 140)
		}
		return chs
	case "FCC":
		if band == Band24 {
			return []pkg.Channel{1, 6, 11}
		}
		chs := []pkg.Channel{36, 40, 44, 48, 149, 153, 157, 161}
		if useDFS {
			chs = append(chs, 52, 56, 60, 64, 100, 104, 108, 112, 116, 120, 124, 128, 132, 136, 140)
		}
		return append(chs, 165)
	default:
		if band == Band24 {
			return []pkg.Channel{1, 6, 11}
		}
		return []pkg.Channel{36, 40, 44, 48}
	}
}

// IsDFS reports whether a 5 GHz channel requires radar detection
func IsDFS(ch pkg.Channel) bool {
	return ch >= 52 && ch <= 144
}
