package ptp

import (
	"fmt"
	"net"

	"github.com/opd-ai/aes67vsc/enginerr"
)

// ClockIdentityFromInterface derives an EUI-64 clock identity from the
// named interface's MAC address by inserting FF FE after the third octet,
// per the engine's clock identity rule.
func ClockIdentityFromInterface(name string) (ClockIdentity, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return ClockIdentity{}, enginerr.NewAddr(enginerr.KindResource, "ptp.ClockIdentityFromInterface", name, err)
	}
	return clockIdentityFromMAC(iface.HardwareAddr)
}

func clockIdentityFromMAC(mac net.HardwareAddr) (ClockIdentity, error) {
	if len(mac) != 6 {
		return ClockIdentity{}, enginerr.NewAddr(enginerr.KindResource, "ptp.clockIdentityFromMAC", mac.String(),
			fmt.Errorf("expected 6-byte MAC, got %d bytes", len(mac)))
	}
	var id ClockIdentity
	copy(id[0:3], mac[0:3])
	id[3] = 0xFF
	id[4] = 0xFE
	copy(id[5:8], mac[3:6])
	return id, nil
}
