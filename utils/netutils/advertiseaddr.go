/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

import (
	"net"

	"github.com/pkg/errors"
)

// IsInAddrAny reports whether host is a wildcard bind address.
func IsInAddrAny(host string) bool {
	return host == "" || host == "0.0.0.0" || host == "::" || host == "::/0"
}

func GetOutboundIP() (net.IP, error) {
	// no packets are sent, this only asks the kernel for the route
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// AdvertiseAddress turns a host:port which other machines should dial into
// one they can.  Wildcard hosts are replaced by the outbound ip.
func AdvertiseAddress(hostPort string) (string, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", errors.Wrapf(err, "invalid address %q", hostPort)
	}

	if !IsInAddrAny(host) {
		return hostPort, nil
	}

	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", errors.Wrap(err, "failed to determine outbound ip")
	}

	return net.JoinHostPort(outboundIP.String(), port), nil
}
