package log

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "no writer",
			config:  Config{Level: 0},
			wantErr: true,
		},
		{
			name: "file console",
			config: Config{
				File:       filepath.Join(t.TempDir(), "proxy.log"),
				Level:      -1,
				MaxAge:     1,
				MaxSize:    1,
				MaxBackups: 1,
			},
		},
		{
			name: "file json unknown level",
			config: Config{
				File:       filepath.Join(t.TempDir(), "proxy.json"),
				Level:      42,
				JsonFormat: true,
				Compress:   true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Init(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			Sugar.Infof("zap log success %t %d", true, 1)
			Logger.Info("query", Query(netip.MustParseAddrPort("192.0.2.1:5353"), 7, "example.com.", dns.TypeA)...)
			Sync()
		})
	}
}

func TestQuery(t *testing.T) {
	fields := Query(netip.MustParseAddrPort("192.0.2.1:53"), 1, "example.com.", dns.TypeAAAA)
	require.Len(t, fields, 4)
	assert.Equal(t, "type", fields[3].Key)
	assert.Equal(t, "AAAA", fields[3].String)
	assert.Equal(t, "sn", SN(3).Key)
}
