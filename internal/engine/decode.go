package engine

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// linkDecoder peels link-layer headers down to IPv4 for one link type.
// TCP is decoded separately because it may only be complete after fragment
// reassembly.
type linkDecoder struct {
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth   layers.Ethernet
	dot1q layers.Dot1Q
	sll   layers.LinuxSLL
	lo    layers.Loopback
	ip4   layers.IPv4
}

func newLinkDecoder(lt layers.LinkType) (*linkDecoder, bool) {
	d := &linkDecoder{}
	var first gopacket.LayerType
	switch lt {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		first = layers.LayerTypeLinuxSLL
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		first = layers.LayerTypeLoopback
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		first = layers.LayerTypeIPv4
	default:
		return nil, false
	}
	d.parser = gopacket.NewDecodingLayerParser(first, &d.eth, &d.dot1q, &d.sll, &d.lo, &d.ip4)
	d.parser.IgnoreUnsupported = true
	d.decoded = make([]gopacket.LayerType, 0, 4)
	return d, true
}

// ipv4 decodes data and returns the IPv4 layer if there is one. The layer
// is reused by the next call.
func (d *linkDecoder) ipv4(data []byte) (*layers.IPv4, bool) {
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return nil, false
	}
	for _, t := range d.decoded {
		if t == layers.LayerTypeIPv4 {
			return &d.ip4, true
		}
	}
	return nil, false
}

func addrFrom(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

// rebuildIPv4 serializes a standalone IPv4 packet around a reassembled
// payload, clearing the fragmentation fields.
func rebuildIPv4(ip *layers.IPv4, payload []byte) ([]byte, error) {
	hdr := *ip
	hdr.Flags &^= layers.IPv4MoreFragments
	hdr.FragOffset = 0
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &hdr, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
