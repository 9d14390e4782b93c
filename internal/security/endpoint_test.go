package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

func fakeResolver(ctx context.Context, host string) ([]netip.Addr, error) {
	switch host {
	case "rail.example.com":
		return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
	case "split.example.com":
		return []netip.Addr{netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("10.1.2.3")}, nil
	case "mapped.example.com":
		return []netip.Addr{netip.MustParseAddr("::ffff:127.0.0.1")}, nil
	}
	return nil, errors.New("no such host")
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		url         string
		wantErr     bool
		wantBlocked bool
	}{
		{url: "https://rail.example.com/v1"},
		{url: "http://93.184.216.34:8443"},
		{url: "https://RAIL.example.com./v1"},
		{url: "ftp://rail.example.com", wantErr: true},
		{url: "https://", wantErr: true},
		{url: "://bad", wantErr: true},
		{url: "https://unknown.example.com", wantErr: true},
		{url: "https://localhost:9000", wantErr: true, wantBlocked: true},
		{url: "http://metadata.google.internal/computeMetadata", wantErr: true, wantBlocked: true},
		{url: "http://127.0.0.1", wantErr: true, wantBlocked: true},
		{url: "http://192.168.1.10", wantErr: true, wantBlocked: true},
		{url: "http://169.254.169.254/latest/meta-data", wantErr: true, wantBlocked: true},
		{url: "http://[::1]:80", wantErr: true, wantBlocked: true},
		{url: "http://0.0.0.0", wantErr: true, wantBlocked: true},
		{url: "https://split.example.com", wantErr: true, wantBlocked: true},
		{url: "https://mapped.example.com", wantErr: true, wantBlocked: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateEndpoint(context.Background(), tt.url, fakeResolver)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, ErrBlockedEndpoint); got != tt.wantBlocked {
				t.Fatalf("errors.Is(err, ErrBlockedEndpoint) = %v, want %v (err %v)", got, tt.wantBlocked, err)
			}
		})
	}
}
