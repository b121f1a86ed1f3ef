package discovery

import (
	"errors"
	"time"
)

// Service type constants for mDNS.
const (
	ServiceType = "_dotfleet._tcp"
	Domain      = "local"
	DefaultPort = 8080
)

// TXT record keys.
const (
	TXTKeyVersion = "ver"
	TXTKeyWSPath  = "path"
	TXTKeyAPIPath = "api"
	TXTKeySession = "id"
)

// Defaults.
const (
	DefaultWSPath  = "/ws"
	DefaultAPIPath = "/api/v1"
	BrowseTimeout  = 3 * time.Second

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// Discovery errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrInvalidPort         = errors.New("invalid port")
)

// Info is what a server advertises.
type Info struct {
	// Instance is the mDNS instance name. Empty means "dotfleet-<hostname>".
	Instance string
	Port     int
	Version  string
	WSPath   string
	APIPath  string
	Session  string
}

// Service is a dashboard found on the network.
type Service struct {
	Instance  string   `json:"instance"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Addresses []string `json:"addresses"`
	Version   string   `json:"version"`
	WSPath    string   `json:"wsPath"`
	APIPath   string   `json:"apiPath"`
	Session   string   `json:"session,omitempty"`
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Interface restricts advertising to one network interface. Empty
	// means all.
	Interface string

	// TTL overrides the record TTL.
	TTL time.Duration
}

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	Interface string
}
