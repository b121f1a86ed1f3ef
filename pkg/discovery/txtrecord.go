package discovery

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records for info. Unset paths get their
// defaults.
func EncodeTXT(info *Info) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyVersion: info.Version,
		TXTKeyWSPath:  orDefault(info.WSPath, DefaultWSPath),
		TXTKeyAPIPath: orDefault(info.APIPath, DefaultAPIPath),
	}
	if info.Session != "" {
		txt[TXTKeySession] = info.Session
	}
	return txt
}

// DecodeTXT parses TXT records into the fields of a Service. The websocket
// path is required; everything else is optional.
func DecodeTXT(txt TXTRecordMap, svc *Service) error {
	path, ok := txt[TXTKeyWSPath]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyWSPath)
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyWSPath, path)
	}
	svc.WSPath = path
	svc.APIPath = orDefault(txt[TXTKeyAPIPath], DefaultAPIPath)
	svc.Version = txt[TXTKeyVersion]
	svc.Session = txt[TXTKeySession]
	return nil
}

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings,
// sorted by key.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if found {
			txt[k] = v
		} else if k != "" {
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}

// InstanceName returns info.Instance or "dotfleet-<hostname>", validated.
func InstanceName(info *Info) (string, error) {
	name := info.Instance
	if name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "host"
		}
		host, _, _ = strings.Cut(host, ".")
		name = "dotfleet-" + host
		if len(name) > MaxInstanceNameLen {
			name = name[:MaxInstanceNameLen]
		}
	}
	if err := ValidateInstanceName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: instance name", ErrMissingRequired)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
