package discover

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestPickAddress(t *testing.T) {
	tests := []struct {
		name string
		v4   []string
		v6   []string
		want string
	}{
		{
			name: "routable ipv4",
			v4:   []string{"192.168.1.50"},
			want: "192.168.1.50",
		},
		{
			name: "skips loopback",
			v4:   []string{"127.0.0.1", "10.0.0.5"},
			want: "10.0.0.5",
		},
		{
			name: "skips link-local ipv4",
			v4:   []string{"169.254.12.7", "192.168.1.50"},
			want: "192.168.1.50",
		},
		{
			name: "falls back to ipv6 bracketed",
			v6:   []string{"fd00::12"},
			want: "[fd00::12]",
		},
		{
			name: "skips link-local ipv6",
			v6:   []string{"fe80::1"},
			want: "",
		},
		{
			name: "nothing usable",
			v4:   []string{"127.0.0.1"},
			v6:   []string{"::1"},
			want: "",
		},
		{
			name: "no addresses",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &zeroconf.ServiceEntry{}
			for _, s := range tt.v4 {
				entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP(s))
			}
			for _, s := range tt.v6 {
				entry.AddrIPv6 = append(entry.AddrIPv6, net.ParseIP(s))
			}
			assert.Equal(t, tt.want, pickAddress(entry))
		})
	}
}
