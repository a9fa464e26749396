package consensus

import (
	"fmt"
	"net"
)

// SelectDiverse filters candidates so no two selected peers share an ASN, a
// /24-equivalent subnet, or a declared geographic region. Selection is
// greedy in directory order, so results are deterministic for a given
// directory snapshot. Peers missing any metadata field are skipped: overlap
// with an unknown network cannot be ruled out.
func SelectDiverse(candidates []PeerInfo) []PeerInfo {
	seenASN := make(map[uint32]bool)
	seenSubnet := make(map[string]bool)
	seenRegion := make(map[string]bool)

	var selected []PeerInfo
	for _, p := range candidates {
		if p.ASN == 0 || p.Subnet == "" || p.Region == "" {
			continue
		}
		subnet := normalizeSubnet(p.Subnet)
		if seenASN[p.ASN] || seenSubnet[subnet] || seenRegion[p.Region] {
			continue
		}
		seenASN[p.ASN] = true
		seenSubnet[subnet] = true
		seenRegion[p.Region] = true
		selected = append(selected, p)
	}
	return selected
}

// normalizeSubnet collapses an address or prefix to its /24-equivalent (or
// /48 for IPv6). Unparseable values pass through verbatim and dedupe as
// opaque strings.
func normalizeSubnet(s string) string {
	host := s
	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		host = ipnet.IP.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return s
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}
	v6 := ip.To16()
	masked := v6.Mask(net.CIDRMask(48, 128))
	return fmt.Sprintf("%s/48", masked.String())
}
