// ABOUTME: Client MAC observation via the kernel ARP table
// ABOUTME: Best effort: a cold cache or wired path yields no address, not an error

package web

import (
	"bufio"
	"io"
	"os"
	"strings"
)

const arpTablePath = "/proc/net/arp"

// lookupMACFromARP returns the hardware address the kernel currently maps to
// ip, or "" when there is no usable entry. On a hub serving associated WiFi
// clients the entry exists by the time any HTTP request arrives.
func lookupMACFromARP(ip string) string {
	f, err := os.Open(arpTablePath)
	if err != nil {
		return ""
	}
	defer f.Close()
	return scanARPTable(f, ip)
}

// scanARPTable finds ip in ARP table output. Split out for testing.
func scanARPTable(r io.Reader, ip string) string {
	scanner := bufio.NewScanner(r)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != ip {
			continue
		}
		mac := strings.ToLower(fields[3])
		// Flags 0x0 rows are incomplete entries with an all-zero address.
		if mac == "00:00:00:00:00:00" {
			return ""
		}
		return mac
	}
	return ""
}
