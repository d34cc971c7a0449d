//go:build !unix

package wol

import "net"

// setBroadcast is a no-op outside unix: shuthost targets Unix-managed hosts
// but this keeps the package
// buildable on other platforms during development.
func setBroadcast(conn *net.UDPConn) error {
	return nil
}
