package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
)

// DeviceSignature derives a stable signature for a client from its network
// neighborhood and user agent. IPv4 addresses are truncated to /24 and IPv6
// to /48 so DHCP churn within an office network maps to the same device.
func DeviceSignature(ipAddress, userAgent string) string {
	prefix := ipAddress
	if ip := net.ParseIP(ipAddress); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			prefix = v4.Mask(net.CIDRMask(24, 32)).String()
		} else {
			prefix = ip.Mask(net.CIDRMask(48, 128)).String()
		}
	}

	sum := sha256.Sum256([]byte(prefix + "|" + userAgent))
	return hex.EncodeToString(sum[:16])
}
