package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func peerInfo(id string, asn uint32, subnet, region string) PeerInfo {
	return PeerInfo{ID: id, ASN: asn, Subnet: subnet, Region: region}
}

func TestSelectDiverseFiltersSharedASN(t *testing.T) {
	peers := []PeerInfo{
		peerInfo("a", 100, "10.0.1.5", "eu-west"),
		peerInfo("b", 100, "192.168.2.9", "us-east"),
		peerInfo("c", 200, "172.16.3.1", "ap-south"),
	}
	selected := SelectDiverse(peers)
	assert.Len(t, selected, 2)
	assert.Equal(t, "a", selected[0].ID)
	assert.Equal(t, "c", selected[1].ID)
}

func TestSelectDiverseFiltersSharedSubnet(t *testing.T) {
	peers := []PeerInfo{
		peerInfo("a", 100, "10.0.1.5", "eu-west"),
		peerInfo("b", 200, "10.0.1.250", "us-east"), // same /24
		peerInfo("c", 300, "10.0.2.5", "ap-south"),
	}
	selected := SelectDiverse(peers)
	assert.Len(t, selected, 2)
	assert.Equal(t, "a", selected[0].ID)
	assert.Equal(t, "c", selected[1].ID)
}

func TestSelectDiverseFiltersSharedRegion(t *testing.T) {
	peers := []PeerInfo{
		peerInfo("a", 100, "10.0.1.5", "eu-west"),
		peerInfo("b", 200, "10.0.2.5", "eu-west"),
		peerInfo("c", 300, "10.0.3.5", "us-east"),
	}
	selected := SelectDiverse(peers)
	assert.Len(t, selected, 2)
}

func TestSelectDiverseSkipsIncompleteMetadata(t *testing.T) {
	peers := []PeerInfo{
		peerInfo("a", 0, "10.0.1.5", "eu-west"),
		peerInfo("b", 200, "", "us-east"),
		peerInfo("c", 300, "10.0.3.5", ""),
		peerInfo("d", 400, "10.0.4.5", "ap-south"),
	}
	selected := SelectDiverse(peers)
	assert.Len(t, selected, 1)
	assert.Equal(t, "d", selected[0].ID)
}

func TestSelectDiverseAcceptsCIDRForms(t *testing.T) {
	peers := []PeerInfo{
		peerInfo("a", 100, "10.0.1.0/24", "eu-west"),
		peerInfo("b", 200, "10.0.1.77", "us-east"), // same /24, different notation
	}
	selected := SelectDiverse(peers)
	assert.Len(t, selected, 1)
	assert.Equal(t, "a", selected[0].ID)
}

func TestSelectDiverseDeterministic(t *testing.T) {
	peers := []PeerInfo{
		peerInfo("a", 100, "10.0.1.5", "eu-west"),
		peerInfo("b", 200, "10.0.2.5", "us-east"),
		peerInfo("c", 300, "10.0.3.5", "ap-south"),
	}
	first := SelectDiverse(peers)
	second := SelectDiverse(peers)
	assert.Equal(t, first, second)
}

func TestNormalizeSubnetIPv6(t *testing.T) {
	a := normalizeSubnet("2001:db8:1::5")
	b := normalizeSubnet("2001:db8:1:ffff::9")
	c := normalizeSubnet("2001:db8:2::5")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
