package discovery

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTXTDefaults(t *testing.T) {
	txt := EncodeTXT(&Info{Version: "1.2.0"})

	want := TXTRecordMap{
		TXTKeyVersion: "1.2.0",
		TXTKeyWSPath:  DefaultWSPath,
		TXTKeyAPIPath: DefaultAPIPath,
	}
	assert.Equal(t, want, txt)

	txt = EncodeTXT(&Info{Version: "1.2.0", Session: "abc"})
	if txt[TXTKeySession] != "abc" {
		t.Errorf("EncodeTXT() session = %q, want %q", txt[TXTKeySession], "abc")
	}
}

func TestDecodeTXT(t *testing.T) {
	tests := []struct {
		name    string
		txt     TXTRecordMap
		want    Service
		wantErr error
	}{
		{
			name: "full",
			txt:  TXTRecordMap{"ver": "1.0", "path": "/ws", "api": "/api/v2", "id": "s1"},
			want: Service{Version: "1.0", WSPath: "/ws", APIPath: "/api/v2", Session: "s1"},
		},
		{
			name: "api defaults",
			txt:  TXTRecordMap{"path": "/events"},
			want: Service{WSPath: "/events", APIPath: DefaultAPIPath},
		},
		{
			name:    "missing path",
			txt:     TXTRecordMap{"ver": "1.0"},
			wantErr: ErrMissingRequired,
		},
		{
			name:    "relative path",
			txt:     TXTRecordMap{"path": "ws"},
			wantErr: ErrInvalidTXTRecord,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Service
			err := DecodeTXT(tt.txt, &got)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeTXT() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTXTStrings(t *testing.T) {
	strs := TXTRecordsToStrings(TXTRecordMap{"ver": "1", "path": "/ws", "api": "/api/v1"})
	assert.Equal(t, []string{"api=/api/v1", "path=/ws", "ver=1"}, strs)

	txt := StringsToTXTRecords([]string{"a=b=c", "flag", "", "k="})
	assert.Equal(t, TXTRecordMap{"a": "b=c", "flag": "", "k": ""}, txt)
}

func TestInstanceName(t *testing.T) {
	name, err := InstanceName(&Info{Instance: "lab-bench"})
	require.NoError(t, err)
	assert.Equal(t, "lab-bench", name)

	name, err = InstanceName(&Info{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "dotfleet-"), "InstanceName() = %q", name)
	assert.LessOrEqual(t, len(name), MaxInstanceNameLen)

	_, err = InstanceName(&Info{Instance: strings.Repeat("x", 64)})
	assert.ErrorIs(t, err, ErrInstanceNameTooLong)
}

func TestAdvertiseRejectsBadPort(t *testing.T) {
	a := NewAdvertiser(AdvertiserConfig{})
	for _, port := range []int{0, -1, 70000} {
		if err := a.Advertise(&Info{Port: port}); !errors.Is(err, ErrInvalidPort) {
			t.Errorf("Advertise(port %d) error = %v, want ErrInvalidPort", port, err)
		}
	}
	a.Stop()
}

func newEntry(instance string, ips ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, ServiceType, Domain)
	e.HostName = "bench.local."
	e.Port = 8080
	e.Text = []string{"ver=1.0", "path=/ws"}
	for _, ip := range ips {
		if p := net.ParseIP(ip); p.To4() != nil {
			e.AddrIPv4 = append(e.AddrIPv4, p)
		} else {
			e.AddrIPv6 = append(e.AddrIPv6, p)
		}
	}
	return e
}

func TestEntryToService(t *testing.T) {
	svc := entryToService(newEntry("dotfleet-bench", "192.168.1.10", "fe80::1"))
	require.NotNil(t, svc)
	assert.Equal(t, "dotfleet-bench", svc.Instance)
	assert.Equal(t, 8080, svc.Port)
	assert.Equal(t, []string{"192.168.1.10", "fe80::1"}, svc.Addresses)
	assert.Equal(t, "/ws", svc.WSPath)
	assert.Equal(t, DefaultAPIPath, svc.APIPath)

	bad := newEntry("other")
	bad.Text = []string{"ver=1.0"}
	assert.Nil(t, entryToService(bad), "entries without a websocket path are ignored")
}

func TestAddressAggregation(t *testing.T) {
	addrs := mergeAddresses([]string{"10.0.0.1"}, []string{"10.0.0.1", "10.0.0.2"})
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, addrs)

	addrs = removeAddresses(addrs, newEntry("x", "10.0.0.1"))
	assert.Equal(t, []string{"10.0.0.2"}, addrs)
}
