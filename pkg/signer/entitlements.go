package signer

import (
	"encoding/asn1"
	"fmt"
	"sort"

	"howett.net/plist"
)

// ExtractEntitlements returns the profile's entitlements as an XML plist,
// the form embedded into the code signature's entitlements slot.
func ExtractEntitlements(profile *ProvisioningProfile) ([]byte, error) {
	if profile.Entitlements == nil {
		return nil, fmt.Errorf("provisioning profile has no entitlements")
	}
	return EntitlementsToXML(profile.Entitlements)
}

// EntitlementsToXML converts an entitlements map to XML plist bytes.
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlementsXML parses XML plist entitlements into a map.
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// EntitlementsToDER converts an entitlements map to Apple's DER entitlements
// encoding, required in the signature alongside the XML form:
//
//	top level:  APPLICATION 16 { INTEGER 1, dictionary }
//	dictionary: [16] { SEQUENCE { UTF8String key, value }... }
//	array:      SEQUENCE { value... }
//	bool/int:   BOOLEAN / INTEGER, string: UTF8String
func EntitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	dict, err := derDict(entitlements)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version: %w", err)
	}
	return derWrap(0x70, append(version, dict...)), nil
}

func derDict(dict map[string]interface{}) ([]byte, error) {
	// Sorted keys for deterministic output
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, key := range keys {
		value, err := derValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		}
		pair := append(derWrap(0x0C, []byte(key)), value...)
		pairs = append(pairs, derWrap(0x30, pair)...)
	}

	// The key-value SEQUENCEs go directly inside the context tag [16],
	// without an outer SEQUENCE wrapper.
	return derWrap(0xB0, pairs), nil
}

func derValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return derWrap(0x0C, []byte(val)), nil
	case int:
		return asn1.Marshal(val)
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []interface{}:
		var content []byte
		for _, item := range val {
			encoded, err := derValue(item)
			if err != nil {
				return nil, err
			}
			content = append(content, encoded...)
		}
		return derWrap(0x30, content), nil
	case map[string]interface{}:
		return derDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type: %T", v)
	}
}

// derWrap prepends a DER tag and definite length to content.
func derWrap(tag byte, content []byte) []byte {
	n := len(content)
	var header []byte
	switch {
	case n < 128:
		header = []byte{tag, byte(n)}
	case n < 1<<8:
		header = []byte{tag, 0x81, byte(n)}
	case n < 1<<16:
		header = []byte{tag, 0x82, byte(n >> 8), byte(n)}
	default:
		header = []byte{tag, 0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
	return append(header, content...)
}
